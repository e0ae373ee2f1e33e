// Package script runs an instruction-authored transformation against parsed
// tables inside a constrained call surface and reports exactly one outcome.
//
// The script text is treated as an opaque payload executed on a goja
// JavaScript runtime. The sandbox boundary is the call surface: the VM is
// created fresh per execution and only ever sees the five operations in
// callsurface.go. Completion is side-effect based, so after synchronous
// execution returns the executor waits a bounded grace window for deferred
// callbacks before inspecting the completion cell.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	"github.com/reconlab/pipeline/internal/tabular"
)

// Defaults; overridable per Executor.
const (
	DefaultScriptTimeout = 5 * time.Second
	DefaultGraceWindow   = 400 * time.Millisecond
	DefaultMaxResultRows = 5000
)

// Failure reasons carried on Outcome for callers that branch on cause.
const (
	ReasonScriptError  = "script_error"         // script called showError
	ReasonScriptThrew  = "script_threw"         // uncaught exception
	ReasonNoCompletion = "no_completion_signal" // neither signal within the grace window
	ReasonAmbiguous    = "ambiguous_completion" // showError first, then showResults
)

// Outcome is the single result of one execution attempt. The executor never
// retries internally; a retry is the caller starting a new attempt.
type Outcome struct {
	Success      bool             `json:"success"`
	Rows         []map[string]any `json:"result_rows,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Elapsed      time.Duration    `json:"elapsed"`
	Truncated    bool             `json:"truncated,omitempty"`
	Log          []string         `json:"log,omitempty"`
}

// Executor runs scripts. It holds no mutable state between runs; a single
// Executor is safe for concurrent use, each Run gets its own VM.
type Executor struct {
	scriptTimeout time.Duration
	graceWindow   time.Duration
	maxResultRows int
}

// NewExecutor creates an executor. Zero values select the defaults.
func NewExecutor(scriptTimeout, graceWindow time.Duration, maxResultRows int) *Executor {
	if scriptTimeout <= 0 {
		scriptTimeout = DefaultScriptTimeout
	}
	if graceWindow <= 0 {
		graceWindow = DefaultGraceWindow
	}
	if maxResultRows <= 0 {
		maxResultRows = DefaultMaxResultRows
	}
	return &Executor{
		scriptTimeout: scriptTimeout,
		graceWindow:   graceWindow,
		maxResultRows: maxResultRows,
	}
}

// Run executes source against the given tables and returns one Outcome.
// A wall-clock interrupt guards against scripts that never return; ctx
// cancellation interrupts the same way.
func (e *Executor) Run(ctx context.Context, source string, tables []*tabular.Table) Outcome {
	start := time.Now()

	vm := goja.New()
	surface := newCallSurface(vm, tables, e.maxResultRows)
	surface.install()

	watchdog := time.AfterFunc(e.scriptTimeout, func() {
		vm.Interrupt("script execution timed out")
	})
	defer watchdog.Stop()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("execution cancelled")
		case <-stop:
		}
	}()

	_, runErr := vm.RunString(source)
	if runErr != nil {
		msg := exceptionMessage(runErr)
		if surface.cell.kind == signalNone {
			return e.finish(surface, start, Outcome{
				ErrorMessage: msg,
				Reason:       ReasonScriptThrew,
			})
		}
		// A signal landed before the throw; keep the signal, note the throw.
		surface.logf("uncaught exception after completion signal: %s", msg)
	}

	e.drainGraceWindow(surface)

	return e.inspect(surface, start)
}

// drainGraceWindow runs due setTimeout callbacks on the VM goroutine until
// the window closes, the queue empties, or a completion signal is recorded.
// If nothing ever signals, the full window is waited out so a slow deferred
// completion is not reported as missing prematurely.
func (e *Executor) drainGraceWindow(surface *callSurface) {
	deadline := time.Now().Add(e.graceWindow)

	for {
		if surface.cell.kind != signalNone {
			return
		}

		job, ok := surface.timers.pop()
		if !ok {
			if wait := time.Until(deadline); wait > 0 {
				time.Sleep(wait)
			}
			return
		}
		if job.due.After(deadline) {
			if wait := time.Until(deadline); wait > 0 {
				time.Sleep(wait)
			}
			return
		}

		if wait := time.Until(job.due); wait > 0 {
			time.Sleep(wait)
		}
		if _, err := job.fn(goja.Undefined()); err != nil {
			surface.recordAsyncError(exceptionMessage(err))
		}
		if time.Now().After(deadline) {
			return
		}
	}
}

// inspect converts the completion cell into the Outcome.
func (e *Executor) inspect(surface *callSurface, start time.Time) Outcome {
	cell := &surface.cell

	if cell.ambiguous {
		if cell.kind == signalResults {
			// Results were first. Honored, but this is a script authoring
			// bug worth surfacing in logs rather than resolving silently.
			slog.Warn("script signaled both results and error; results were first and win")
			return e.finish(surface, start, Outcome{
				Success:   true,
				Rows:      cell.rows,
				Truncated: cell.truncated,
			})
		}
		return e.finish(surface, start, Outcome{
			ErrorMessage: "script signaled both an error and results",
			Reason:       ReasonAmbiguous,
		})
	}

	switch cell.kind {
	case signalResults:
		return e.finish(surface, start, Outcome{
			Success:   true,
			Rows:      cell.rows,
			Truncated: cell.truncated,
		})
	case signalError:
		return e.finish(surface, start, Outcome{
			ErrorMessage: cell.message,
			Reason:       ReasonScriptError,
		})
	case signalThrew:
		return e.finish(surface, start, Outcome{
			ErrorMessage: cell.message,
			Reason:       ReasonScriptThrew,
		})
	default:
		return e.finish(surface, start, Outcome{
			ErrorMessage: "script did not complete: no output call",
			Reason:       ReasonNoCompletion,
		})
	}
}

func (e *Executor) finish(surface *callSurface, start time.Time, out Outcome) Outcome {
	out.Elapsed = time.Since(start)
	out.Log = surface.logs
	if out.Success && out.Rows == nil {
		out.Rows = []map[string]any{}
	}
	return out
}

func exceptionMessage(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("%v", interrupted.Value())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return exception.Value().String()
	}
	return err.Error()
}
