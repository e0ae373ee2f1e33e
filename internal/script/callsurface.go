package script

// callsurface.go installs the restricted environment an instruction-authored
// script runs against. The script sees exactly five operations plus a
// console sink and a minimal setTimeout; nothing else is bound into the VM,
// and a fresh goja runtime has no host access of its own.
//
// Completion is signaled out-of-band: showResults/showError write to a
// single-assignment completion cell rather than returning a value. A second
// signaling call marks the cell ambiguous instead of overwriting it.

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/reconlab/pipeline/internal/tabular"
)

type signalKind int

const (
	signalNone signalKind = iota
	signalResults
	signalError
	signalThrew
)

// completionCell records the script's single completion signal. It is only
// written from the VM goroutine, so it needs no locking.
type completionCell struct {
	kind      signalKind
	rows      []map[string]any
	truncated bool
	message   string
	ambiguous bool
}

type timerJob struct {
	id  int64
	due time.Time
	fn  goja.Callable
}

// timerQueue backs the minimal setTimeout. Jobs run on the VM goroutine
// during the post-execution grace window, never concurrently.
type timerQueue struct {
	nextID int64
	jobs   []timerJob
}

func (q *timerQueue) add(fn goja.Callable, delay time.Duration) int64 {
	q.nextID++
	q.jobs = append(q.jobs, timerJob{id: q.nextID, due: time.Now().Add(delay), fn: fn})
	return q.nextID
}

// pop removes and returns the earliest-due job.
func (q *timerQueue) pop() (timerJob, bool) {
	if len(q.jobs) == 0 {
		return timerJob{}, false
	}
	earliest := 0
	for i := 1; i < len(q.jobs); i++ {
		if q.jobs[i].due.Before(q.jobs[earliest].due) {
			earliest = i
		}
	}
	job := q.jobs[earliest]
	q.jobs = append(q.jobs[:earliest], q.jobs[earliest+1:]...)
	return job, true
}

// callSurface wires the five operations into a VM for one execution.
type callSurface struct {
	vm      *goja.Runtime
	tables  []*tabular.Table
	maxRows int

	cell   completionCell
	timers timerQueue
	logs   []string
	parsed goja.Value
}

func newCallSurface(vm *goja.Runtime, tables []*tabular.Table, maxRows int) *callSurface {
	return &callSurface{vm: vm, tables: tables, maxRows: maxRows}
}

func (c *callSurface) install() {
	c.vm.Set("parseFiles", c.parseFiles)
	c.vm.Set("showResults", c.showResults)
	c.vm.Set("showError", c.showError)
	c.vm.Set("findColumn", c.findColumn)
	c.vm.Set("addAdditionalTable", c.addAdditionalTable)
	c.vm.Set("setTimeout", c.setTimeout)

	console := c.vm.NewObject()
	console.Set("log", c.consoleLine("log"))
	console.Set("warn", c.consoleLine("warn"))
	console.Set("error", c.consoleLine("error"))
	c.vm.Set("console", console)
}

// parseFiles converts the parsed tables into paired arrays of row objects.
// Idempotent: the converted value is built once and cached, so a script may
// call it once or not at all without changing behavior.
func (c *callSurface) parseFiles(goja.FunctionCall) goja.Value {
	if c.parsed != nil {
		return c.parsed
	}

	outer := make([]interface{}, len(c.tables))
	for i, t := range c.tables {
		rows := make([]interface{}, len(t.Rows))
		for j, row := range t.Rows {
			// Build objects key by key so property order follows header
			// order; findColumn's column-order precedence depends on it.
			obj := c.vm.NewObject()
			for _, h := range t.Headers {
				obj.Set(h, row[h])
			}
			rows[j] = obj
		}
		outer[i] = c.vm.NewArray(rows...)
	}

	c.parsed = c.vm.NewArray(outer...)
	return c.parsed
}

// showResults is the sole success signal. At most one signaling call takes
// effect; later calls only mark the completion ambiguous.
func (c *callSurface) showResults(call goja.FunctionCall) goja.Value {
	if c.cell.kind != signalNone {
		c.cell.ambiguous = true
		c.logf("showResults called after a completion signal was already recorded")
		return goja.Undefined()
	}

	rows, ok := exportRows(call.Argument(0))
	if !ok {
		c.logf("showResults called with non-array input; coerced to empty result")
		rows = []map[string]any{}
	}
	if len(rows) > c.maxRows {
		rows = rows[:c.maxRows]
		c.cell.truncated = true
	}

	c.cell.kind = signalResults
	c.cell.rows = rows
	return goja.Undefined()
}

// showError is the sole failure signal, mirror of showResults.
func (c *callSurface) showError(call goja.FunctionCall) goja.Value {
	if c.cell.kind != signalNone {
		c.cell.ambiguous = true
		c.logf("showError called after a completion signal was already recorded")
		return goja.Undefined()
	}

	c.cell.kind = signalError
	c.cell.message = call.Argument(0).String()
	return goja.Undefined()
}

func (c *callSurface) findColumn(call goja.FunctionCall) goja.Value {
	target := call.Argument(0)
	if goja.IsUndefined(target) || goja.IsNull(target) {
		return goja.Null()
	}

	columns := target.ToObject(c.vm).Keys()
	if name, ok := FindColumn(columns, exportStrings(call.Argument(1))); ok {
		return c.vm.ToValue(name)
	}
	return goja.Null()
}

// addAdditionalTable is a side-channel hook for auxiliary output. The
// executor only logs it; rendering is not this component's concern.
func (c *callSurface) addAdditionalTable(call goja.FunctionCall) goja.Value {
	id := call.Argument(1).String()
	html := call.Argument(0).String()
	c.logf("addAdditionalTable(%q) suppressed, %d bytes of markup", id, len(html))
	return goja.Undefined()
}

// setTimeout schedules a callback on the grace-window timer queue. Delays
// are honored relative to now; anything due after the grace window simply
// never runs.
func (c *callSurface) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		return goja.Undefined()
	}
	delay := call.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}
	return c.vm.ToValue(c.timers.add(fn, time.Duration(delay)*time.Millisecond))
}

// recordAsyncError handles an exception thrown from a setTimeout callback.
func (c *callSurface) recordAsyncError(msg string) {
	if c.cell.kind != signalNone {
		c.logf("exception in deferred callback after completion: %s", msg)
		return
	}
	c.cell.kind = signalThrew
	c.cell.message = msg
}

func (c *callSurface) consoleLine(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		c.logf("console.%s: %s", level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func (c *callSurface) logf(format string, args ...any) {
	c.logs = append(c.logs, fmt.Sprintf(format, args...))
}

// exportRows converts a script-provided value into result rows. Returns
// false for anything that is not an array.
func exportRows(v goja.Value) ([]map[string]any, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	raw, ok := v.Export().([]interface{})
	if !ok {
		return nil, false
	}

	rows := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			rows = append(rows, m)
			continue
		}
		// Scalar entries are kept rather than dropped; any array is an
		// accepted result.
		rows = append(rows, map[string]any{"value": item})
	}
	return rows, true
}

func exportStrings(v goja.Value) []string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch exported := v.Export().(type) {
	case string:
		return []string{exported}
	case []interface{}:
		out := make([]string, 0, len(exported))
		for _, item := range exported {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	default:
		return nil
	}
}
