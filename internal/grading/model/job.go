package model

// ResourceLimits are the per-run ceilings of a task.
type ResourceLimits struct {
	TimeLimitMs   int64 `json:"time_limit_ms"`
	MemoryLimitMB int64 `json:"memory_limit_mb"`
}

// TestCase is an immutable snapshot of one task test.
type TestCase struct {
	ID             int64   `json:"id"`
	Input          *string `json:"input"`
	ExpectedOutput string  `json:"expected_output"`
	IsPublic       bool    `json:"is_public"`
	CompareMode    string  `json:"compare_mode,omitempty"`
}

// InputData returns the stdin payload, empty when the test has none.
func (t TestCase) InputData() string {
	if t.Input == nil {
		return ""
	}
	return *t.Input
}

// GradingJob is the queue payload for one submission.
type GradingJob struct {
	SubmissionID int64          `json:"submission_id"`
	Language     string         `json:"language"`
	Code         string         `json:"code"`
	Tests        []TestCase     `json:"tests"`
	Limits       ResourceLimits `json:"limits"`
	CompareMode  string         `json:"compare_mode,omitempty"`
}

// CreateGradingJobRequest is what the Solutions service hands over after its own checks.
type CreateGradingJobRequest struct {
	SubmissionID int64          `json:"submission_id"`
	TaskID       int64          `json:"task_id"`
	AccountID    int64          `json:"account_id"`
	Language     string         `json:"language"`
	Code         string         `json:"code"`
	Tests        []TestCase     `json:"tests"`
	Limits       ResourceLimits `json:"limits"`
	CompareMode  string         `json:"compare_mode,omitempty"`
}

// Job builds the queue payload.
func (r CreateGradingJobRequest) Job() GradingJob {
	tests := make([]TestCase, len(r.Tests))
	copy(tests, r.Tests)
	return GradingJob{
		SubmissionID: r.SubmissionID,
		Language:     r.Language,
		Code:         r.Code,
		Tests:        tests,
		Limits:       r.Limits,
		CompareMode:  r.CompareMode,
	}
}
