package model

// Classification is how a sandboxed run ended.
type Classification string

const (
	ClassCompleted Classification = "COMPLETED"
	ClassTimedOut  Classification = "TIMED_OUT"
	ClassOOMKilled Classification = "OOM_KILLED"
	ClassCrashed   Classification = "CRASHED"
)

// TestResult is the outcome of one test.
type TestResult struct {
	TestID         int64          `json:"test_id"`
	Passed         bool           `json:"passed"`
	ActualOutput   string         `json:"actual_output"`
	Classification Classification `json:"classification,omitempty"`
	ElapsedMs      int64          `json:"elapsed_ms"`
	ExitCode       int            `json:"exit_code"`
	IsPublic       bool           `json:"is_public"`
	Skipped        bool           `json:"skipped,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Report is the per-test outcome list attached to a terminal submission.
type Report struct {
	Verdict        Status       `json:"verdict"`
	Tests          []TestResult `json:"tests"`
	TotalElapsedMs int64        `json:"total_elapsed_ms"`
}
