package model

// Stage is a step of the per-job worker state machine.
type Stage string

const (
	StageReceived     Stage = "RECEIVED"
	StagePreparing    Stage = "PREPARING"
	StageRunningTests Stage = "RUNNING_TESTS"
	StageAggregating  Stage = "AGGREGATING"
	StageCommitted    Stage = "COMMITTED"
	StageAcked        Stage = "ACKED"
	StageUnavailable  Stage = "UNAVAILABLE"
)

// Progress is the live snapshot kept in the cache while a job runs.
type Progress struct {
	SubmissionID int64  `json:"submission_id"`
	Stage        Stage  `json:"stage"`
	TestsTotal   int    `json:"tests_total"`
	TestsDone    int    `json:"tests_done"`
	Verdict      Status `json:"verdict,omitempty"`
	Attempt      int    `json:"attempt"`
	UpdatedAt    int64  `json:"updated_at"`
}

// StatusEventType identifies status event types.
type StatusEventType string

const StatusEventFinal StatusEventType = "final"

// StatusEvent announces a committed verdict to downstream consumers.
type StatusEvent struct {
	Type         StatusEventType `json:"type"`
	SubmissionID int64           `json:"submission_id"`
	Verdict      Status          `json:"verdict"`
	Report       Report          `json:"report"`
	CreatedAt    int64           `json:"created_at"`
}
