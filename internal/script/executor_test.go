package script

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/reconlab/pipeline/internal/tabular"
)

// testExecutor uses a short grace window so the no-signal path stays fast.
func testExecutor() *Executor {
	return NewExecutor(2*time.Second, 80*time.Millisecond, 0)
}

func paymentsTable() *tabular.Table {
	return &tabular.Table{
		Filename: "payments.csv",
		Headers:  []string{"Card Brand ", "Amount"},
		Rows: []tabular.Row{
			{"Card Brand ": "visa", "Amount": "12.50"},
			{"Card Brand ": "amex", "Amount": "8.00"},
			{"Card Brand ": "visa", "Amount": "3.25"},
		},
		Summary: tabular.Summary{TotalRows: 3, ColumnCount: 2},
	}
}

// ============================================================================
// Completion signaling
// ============================================================================

func TestRun_ShowResults(t *testing.T) {
	src := `
		const files = parseFiles();
		const rows = files[0];
		showResults(rows.map(r => ({ brand: r["Card Brand "], amount: r["Amount"] })));
	`
	out := testExecutor().Run(context.Background(), src, []*tabular.Table{paymentsTable()})

	if !out.Success {
		t.Fatalf("Run() failed: %s (%s)", out.ErrorMessage, out.Reason)
	}
	if len(out.Rows) != 3 {
		t.Fatalf("len(Rows) = %d, want 3", len(out.Rows))
	}
	if out.Rows[0]["brand"] != "visa" {
		t.Errorf("Rows[0][brand] = %v, want visa", out.Rows[0]["brand"])
	}
}

func TestRun_EmptyArrayIsSuccess(t *testing.T) {
	out := testExecutor().Run(context.Background(), `showResults([]);`, nil)
	if !out.Success {
		t.Fatalf("empty array result should succeed, got %s", out.ErrorMessage)
	}
	if out.Rows == nil || len(out.Rows) != 0 {
		t.Errorf("Rows = %v, want empty non-nil slice", out.Rows)
	}
}

func TestRun_NonArrayCoercedToEmpty(t *testing.T) {
	out := testExecutor().Run(context.Background(), `showResults("not rows");`, nil)
	if !out.Success {
		t.Fatalf("non-array input should coerce to empty success, got %s", out.ErrorMessage)
	}
	if len(out.Rows) != 0 {
		t.Errorf("Rows = %v, want empty", out.Rows)
	}
	if !containsSubstring(out.Log, "non-array") {
		t.Errorf("expected a warning in the log, got %v", out.Log)
	}
}

func TestRun_ShowError(t *testing.T) {
	out := testExecutor().Run(context.Background(), `showError("columns are missing");`, nil)
	if out.Success {
		t.Fatal("Run() succeeded, want failure")
	}
	if out.Reason != ReasonScriptError {
		t.Errorf("Reason = %q, want %q", out.Reason, ReasonScriptError)
	}
	if out.ErrorMessage != "columns are missing" {
		t.Errorf("ErrorMessage = %q", out.ErrorMessage)
	}
}

func TestRun_NoCompletionSignal(t *testing.T) {
	start := time.Now()
	out := testExecutor().Run(context.Background(), `const x = 1 + 1;`, nil)
	elapsed := time.Since(start)

	if out.Success || out.Reason != ReasonNoCompletion {
		t.Fatalf("got %+v, want no-completion failure", out)
	}
	// The grace window must elapse, but the call must not hang.
	if elapsed < 80*time.Millisecond {
		t.Errorf("returned before the grace window elapsed (%v)", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("took %v, should return promptly after the grace window", elapsed)
	}
}

func TestRun_ThrowIsCaptured(t *testing.T) {
	out := testExecutor().Run(context.Background(), `throw new Error("bad input shape");`, nil)
	if out.Success {
		t.Fatal("Run() succeeded, want failure")
	}
	if out.Reason != ReasonScriptThrew {
		t.Errorf("Reason = %q, want %q", out.Reason, ReasonScriptThrew)
	}
	if !strings.Contains(out.ErrorMessage, "bad input shape") {
		t.Errorf("ErrorMessage = %q, want it to carry the thrown message", out.ErrorMessage)
	}
}

func TestRun_BothSignals(t *testing.T) {
	t.Run("results first wins", func(t *testing.T) {
		out := testExecutor().Run(context.Background(), `showResults([{a:1}]); showError("late");`, nil)
		if !out.Success {
			t.Fatalf("results-first should win: %s (%s)", out.ErrorMessage, out.Reason)
		}
		if len(out.Rows) != 1 {
			t.Errorf("len(Rows) = %d, want 1", len(out.Rows))
		}
	})

	t.Run("error first is ambiguous", func(t *testing.T) {
		out := testExecutor().Run(context.Background(), `showError("broken"); showResults([{a:1}]);`, nil)
		if out.Success {
			t.Fatal("error-first must not succeed")
		}
		if out.Reason != ReasonAmbiguous {
			t.Errorf("Reason = %q, want %q", out.Reason, ReasonAmbiguous)
		}
	})
}

// ============================================================================
// Asynchronous continuation inside the grace window
// ============================================================================

func TestRun_DeferredCompletion(t *testing.T) {
	src := `setTimeout(() => showResults([{ok: true}]), 20);`
	out := testExecutor().Run(context.Background(), src, nil)

	if !out.Success {
		t.Fatalf("deferred showResults not honored: %s (%s)", out.ErrorMessage, out.Reason)
	}
	if len(out.Rows) != 1 {
		t.Errorf("len(Rows) = %d, want 1", len(out.Rows))
	}
}

func TestRun_DeferredBeyondGraceWindowIgnored(t *testing.T) {
	src := `setTimeout(() => showResults([{ok: true}]), 5000);`
	out := testExecutor().Run(context.Background(), src, nil)

	if out.Success || out.Reason != ReasonNoCompletion {
		t.Fatalf("callback past grace window must not complete: %+v", out)
	}
}

func TestRun_DeferredThrowIsCaptured(t *testing.T) {
	src := `setTimeout(() => { throw new Error("deferred boom"); }, 5);`
	out := testExecutor().Run(context.Background(), src, nil)

	if out.Success || out.Reason != ReasonScriptThrew {
		t.Fatalf("got %+v, want deferred throw failure", out)
	}
	if !strings.Contains(out.ErrorMessage, "deferred boom") {
		t.Errorf("ErrorMessage = %q", out.ErrorMessage)
	}
}

// ============================================================================
// Runaway script containment
// ============================================================================

func TestRun_InfiniteLoopInterrupted(t *testing.T) {
	exec := NewExecutor(100*time.Millisecond, 50*time.Millisecond, 0)
	out := exec.Run(context.Background(), `while (true) {}`, nil)

	if out.Success {
		t.Fatal("infinite loop must not succeed")
	}
	if out.Reason != ReasonScriptThrew {
		t.Errorf("Reason = %q, want %q", out.Reason, ReasonScriptThrew)
	}
	if !strings.Contains(out.ErrorMessage, "timed out") {
		t.Errorf("ErrorMessage = %q, want timeout message", out.ErrorMessage)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	out := NewExecutor(10*time.Second, 50*time.Millisecond, 0).Run(ctx, `while (true) {}`, nil)
	if out.Success {
		t.Fatal("cancelled execution must not succeed")
	}
}

// ============================================================================
// Call surface details
// ============================================================================

func TestRun_FindColumn(t *testing.T) {
	src := `
		const rows = parseFiles()[0];
		const col = findColumn(rows[0], ["card brand", "payment type"]);
		if (col === null) {
			showError("no column match");
		} else {
			showResults([{matched: col}]);
		}
	`
	out := testExecutor().Run(context.Background(), src, []*tabular.Table{paymentsTable()})

	if !out.Success {
		t.Fatalf("Run() failed: %s", out.ErrorMessage)
	}
	// Original key returned verbatim, including the trailing space.
	if out.Rows[0]["matched"] != "Card Brand " {
		t.Errorf("matched = %v, want %q", out.Rows[0]["matched"], "Card Brand ")
	}
}

func TestRun_ParseFilesIdempotent(t *testing.T) {
	src := `
		const a = parseFiles();
		const b = parseFiles();
		showResults([{same: a === b, count: a[0].length}]);
	`
	out := testExecutor().Run(context.Background(), src, []*tabular.Table{paymentsTable()})
	if !out.Success {
		t.Fatalf("Run() failed: %s", out.ErrorMessage)
	}
	if out.Rows[0]["same"] != true {
		t.Error("parseFiles() returned different values across calls")
	}
}

func TestRun_ResultRowCap(t *testing.T) {
	exec := NewExecutor(2*time.Second, 50*time.Millisecond, 10)
	src := `
		const rows = [];
		for (let i = 0; i < 100; i++) rows.push({i: i});
		showResults(rows);
	`
	out := exec.Run(context.Background(), src, nil)
	if !out.Success {
		t.Fatalf("Run() failed: %s", out.ErrorMessage)
	}
	if len(out.Rows) != 10 {
		t.Errorf("len(Rows) = %d, want capped at 10", len(out.Rows))
	}
	if !out.Truncated {
		t.Error("Truncated = false, want true")
	}
}

func TestRun_AddAdditionalTableLoggedOnly(t *testing.T) {
	src := `
		addAdditionalTable("<table></table>", "summary");
		showResults([]);
	`
	out := testExecutor().Run(context.Background(), src, nil)
	if !out.Success {
		t.Fatalf("Run() failed: %s", out.ErrorMessage)
	}
	if !containsSubstring(out.Log, "summary") {
		t.Errorf("expected addAdditionalTable log entry, got %v", out.Log)
	}
}

func TestRun_NoAmbientGlobals(t *testing.T) {
	// The sandbox must not expose host facilities beyond the call surface.
	src := `showResults([{
		req: typeof require,
		proc: typeof process,
		fetch: typeof fetch,
	}]);`
	out := testExecutor().Run(context.Background(), src, nil)
	if !out.Success {
		t.Fatalf("Run() failed: %s", out.ErrorMessage)
	}
	for _, key := range []string{"req", "proc", "fetch"} {
		if out.Rows[0][key] != "undefined" {
			t.Errorf("%s = %v, want undefined", key, out.Rows[0][key])
		}
	}
}

// ============================================================================
// FindColumn unit tests
// ============================================================================

func TestFindColumn(t *testing.T) {
	columns := []string{"ID", "Card Brand ", "Payment amount", "Date"}

	tests := []struct {
		name       string
		candidates []string
		want       string
		wantFound  bool
	}{
		{"exact case-insensitive trim", []string{"card brand"}, "Card Brand ", true},
		{"candidate order precedence", []string{"date", "id"}, "Date", true},
		{"column contains candidate", []string{"amount"}, "Payment amount", true},
		{"candidate contains column", []string{"transaction date"}, "Date", true},
		{"first candidate misses", []string{"card brand", "payment type"}, "Card Brand ", true},
		{"no match", []string{"merchant"}, "", false},
		{"empty candidates", nil, "", false},
		{"blank candidate skipped", []string{"  ", "id"}, "ID", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := FindColumn(columns, tt.candidates)
			if found != tt.wantFound || got != tt.want {
				t.Errorf("FindColumn(%v) = (%q, %v), want (%q, %v)",
					tt.candidates, got, found, tt.want, tt.wantFound)
			}
		})
	}
}

func containsSubstring(entries []string, sub string) bool {
	for _, e := range entries {
		if strings.Contains(e, sub) {
			return true
		}
	}
	return false
}
