package model

import "time"

// Status is the grading state of a submission.
type Status string

const (
	StatusSubmitting          Status = "SUBMITTING"
	StatusAccepted            Status = "ACCEPTED"
	StatusWrongAnswer         Status = "WRONG_ANSWER"
	StatusTimeLimitExceeded   Status = "TIME_LIMIT_EXCEEDED"
	StatusMemoryLimitExceeded Status = "MEMORY_LIMIT_EXCEEDED"
	StatusRuntimeError        Status = "RUNTIME_ERROR"
)

// Terminal reports whether s is a final verdict.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded, StatusMemoryLimitExceeded, StatusRuntimeError:
		return true
	default:
		return false
	}
}

// GradingStateUnavailable marks a SUBMITTING row whose job was dead-lettered.
const GradingStateUnavailable = "UNAVAILABLE"

// Submission is one learner's answer to a code task.
type Submission struct {
	ID           int64
	TaskID       int64
	AccountID    int64
	Language     string
	Code         string
	Status       Status
	Report       *Report
	Attempts     int
	GradingState string
	CreatedAt    time.Time
	GradedAt     *time.Time
}
