package verdict

import (
	"testing"

	"codegrade/internal/grading/model"
)

func result(class model.Classification, passed bool) model.TestResult {
	return model.TestResult{Classification: class, Passed: passed}
}

func TestAggregatePriority(t *testing.T) {
	t.Parallel()

	ok := result(model.ClassCompleted, true)
	wrong := result(model.ClassCompleted, false)
	tle := result(model.ClassTimedOut, false)
	mle := result(model.ClassOOMKilled, false)
	re := result(model.ClassCrashed, false)

	tests := []struct {
		name    string
		results []model.TestResult
		want    model.Status
	}{
		{name: "all pass", results: []model.TestResult{ok, ok}, want: model.StatusAccepted},
		{name: "one mismatch", results: []model.TestResult{ok, wrong, ok}, want: model.StatusWrongAnswer},
		{name: "timeout beats mismatch", results: []model.TestResult{wrong, tle}, want: model.StatusTimeLimitExceeded},
		{name: "oom beats timeout", results: []model.TestResult{tle, mle, wrong}, want: model.StatusMemoryLimitExceeded},
		{name: "crash beats everything", results: []model.TestResult{mle, tle, wrong, re}, want: model.StatusRuntimeError},
		{name: "passed flag on crashed run", results: []model.TestResult{result(model.ClassCrashed, true)}, want: model.StatusRuntimeError},
		{name: "no tests", results: nil, want: model.StatusAccepted},
		{name: "no results", results: []model.TestResult{}, want: model.StatusAccepted},
	}
	for _, tt := range tests {
		if got := Aggregate(tt.results); got != tt.want {
			t.Fatalf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestAggregateIgnoresSkipped(t *testing.T) {
	t.Parallel()

	results := []model.TestResult{
		result(model.ClassCompleted, true),
		result(model.ClassTimedOut, false),
		{Skipped: true},
		{Skipped: true, Classification: model.ClassCrashed},
	}
	if got := Aggregate(results); got != model.StatusTimeLimitExceeded {
		t.Fatalf("expected TLE, got %s", got)
	}
}

func TestShouldStop(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	if !policy.ShouldStop(result(model.ClassTimedOut, false)) || !policy.ShouldStop(result(model.ClassOOMKilled, false)) {
		t.Fatalf("expected stop after resource limit")
	}
	if policy.ShouldStop(result(model.ClassCrashed, false)) || policy.ShouldStop(result(model.ClassCompleted, false)) {
		t.Fatalf("expected no stop after crash or mismatch")
	}
	if (Policy{}).ShouldStop(result(model.ClassTimedOut, false)) {
		t.Fatalf("expected disabled policy to continue")
	}
}

func TestBuildReport(t *testing.T) {
	t.Parallel()

	results := []model.TestResult{
		{TestID: 1, Classification: model.ClassCompleted, Passed: true, ElapsedMs: 10},
		{TestID: 2, Classification: model.ClassCompleted, Passed: true, ElapsedMs: 15},
		{TestID: 3, Skipped: true, ElapsedMs: 99},
	}
	report := BuildReport(results)
	if report.Verdict != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", report.Verdict)
	}
	if report.TotalElapsedMs != 25 {
		t.Fatalf("expected 25ms, got %d", report.TotalElapsedMs)
	}
	if len(report.Tests) != 3 || report.Tests[2].TestID != 3 {
		t.Fatalf("expected stored order, got %+v", report.Tests)
	}
}

func TestRuntimeErrorReport(t *testing.T) {
	t.Parallel()

	tests := []model.TestCase{{ID: 7, IsPublic: true}, {ID: 8}}
	report := RuntimeErrorReport(tests, "runner panic")
	if report.Verdict != model.StatusRuntimeError {
		t.Fatalf("expected RUNTIME_ERROR, got %s", report.Verdict)
	}
	if report.Tests[0].Skipped || report.Tests[0].Error != "runner panic" || !report.Tests[1].Skipped {
		t.Fatalf("unexpected results: %+v", report.Tests)
	}
	if Aggregate(report.Tests) != model.StatusRuntimeError {
		t.Fatalf("expected report to aggregate to RUNTIME_ERROR")
	}
}
