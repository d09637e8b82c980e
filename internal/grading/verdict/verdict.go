// Package verdict folds per-test results into a submission verdict.
package verdict

import (
	"codegrade/internal/grading/model"
)

// Policy controls early termination of the test loop.
type Policy struct {
	// SkipAfterResourceLimit stops running tests after the first TIMED_OUT or OOM_KILLED result.
	SkipAfterResourceLimit bool
}

// DefaultPolicy returns the worker defaults.
func DefaultPolicy() Policy {
	return Policy{SkipAfterResourceLimit: true}
}

// ShouldStop reports whether the remaining tests should be skipped after res.
func (p Policy) ShouldStop(res model.TestResult) bool {
	if !p.SkipAfterResourceLimit {
		return false
	}
	return res.Classification == model.ClassTimedOut || res.Classification == model.ClassOOMKilled
}

// Aggregate returns the verdict over the executed results. Skipped results are ignored.
// ACCEPTED requires every executed test to pass and complete normally, so a task without
// tests is ACCEPTED. Otherwise the first present kind wins in the order crash, memory, time, mismatch.
func Aggregate(results []model.TestResult) model.Status {
	var crashed, oom, timedOut, mismatch bool
	for _, res := range results {
		if res.Skipped {
			continue
		}
		switch res.Classification {
		case model.ClassCrashed:
			crashed = true
		case model.ClassOOMKilled:
			oom = true
		case model.ClassTimedOut:
			timedOut = true
		case model.ClassCompleted:
			if !res.Passed {
				mismatch = true
			}
		default:
			crashed = true
		}
	}
	switch {
	case crashed:
		return model.StatusRuntimeError
	case oom:
		return model.StatusMemoryLimitExceeded
	case timedOut:
		return model.StatusTimeLimitExceeded
	case mismatch:
		return model.StatusWrongAnswer
	default:
		return model.StatusAccepted
	}
}

// BuildReport aggregates results and sums elapsed time of executed tests.
func BuildReport(results []model.TestResult) model.Report {
	report := model.Report{
		Verdict: Aggregate(results),
		Tests:   results,
	}
	if report.Tests == nil {
		report.Tests = []model.TestResult{}
	}
	for _, res := range results {
		if !res.Skipped {
			report.TotalElapsedMs += res.ElapsedMs
		}
	}
	return report
}

// Skipped returns placeholder results for tests that were not run.
func Skipped(tests []model.TestCase) []model.TestResult {
	out := make([]model.TestResult, 0, len(tests))
	for _, tc := range tests {
		out = append(out, model.TestResult{
			TestID:   tc.ID,
			IsPublic: tc.IsPublic,
			Skipped:  true,
		})
	}
	return out
}

// RuntimeErrorReport is the report committed when the program fails before any test result exists.
func RuntimeErrorReport(tests []model.TestCase, reason string) model.Report {
	results := Skipped(tests)
	if len(results) > 0 {
		results[0].Skipped = false
		results[0].Classification = model.ClassCrashed
		results[0].Error = reason
	}
	return model.Report{
		Verdict: model.StatusRuntimeError,
		Tests:   results,
	}
}
