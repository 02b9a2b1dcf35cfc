package scenario

import (
	"context"
	"strings"
	"testing"
)

func TestBuiltinScenariosPass(t *testing.T) {
	results := NewSuite(nil).RunAll(context.Background())
	if len(results) != len(Builtin()) {
		t.Fatalf("ran %d scenarios, want %d", len(results), len(Builtin()))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("%s: %s\n expected %s\n actual   %s", r.ScenarioName, r.Reason, r.Expected, r.Actual)
		}
	}
}

func TestReportShowsFailures(t *testing.T) {
	out := Report([]Result{
		{ScenarioName: "ok", Passed: true},
		{ScenarioName: "broken", Expected: "a", Actual: "b", Reason: "state mismatch"},
	})
	if !strings.Contains(out, "[PASS] ok") || !strings.Contains(out, "[FAIL] broken") {
		t.Errorf("report = %q", out)
	}
	if !strings.Contains(out, "expected: a") || strings.Count(out, "expected:") != 1 {
		t.Errorf("report should detail only failures: %q", out)
	}
}
