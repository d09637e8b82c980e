// Package codec is the wire format of grading jobs on the queue.
//
// Encode and Decode are pure and synchronous. Anything a producer computes
// asynchronously must be resolved into a plain model.GradingJob before Encode.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"codegrade/internal/grading/model"
	appErr "codegrade/pkg/errors"

	mapset "github.com/deckarep/golang-set/v2"
)

// DecodeError reports a payload that is not a valid grading job.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode grading job: %s: %v", e.Reason, e.Err)
	}
	return "decode grading job: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AppError exposes the failure as DecodeFailed for callers that classify by code.
func (e *DecodeError) AppError() *appErr.Error {
	return appErr.Wrapf(e, appErr.DecodeFailed, "%s", e.Error())
}

// Encode returns the UTF-8 JSON form of job. Field order is fixed by the struct
// definitions, so equal jobs encode to equal bytes.
func Encode(job model.GradingJob) []byte {
	if job.Tests == nil {
		job.Tests = []model.TestCase{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(job); err != nil {
		// only strings, integers and bools are reachable here
		panic(fmt.Sprintf("codec: encode grading job: %v", err))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// Decode parses and validates a grading job payload.
func Decode(data []byte) (model.GradingJob, error) {
	var job model.GradingJob
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&job); err != nil {
		return model.GradingJob{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if dec.More() {
		return model.GradingJob{}, &DecodeError{Reason: "trailing data after job object"}
	}
	if err := validate(job); err != nil {
		return model.GradingJob{}, err
	}
	return job, nil
}

func validate(job model.GradingJob) error {
	if job.SubmissionID <= 0 {
		return &DecodeError{Reason: "submission_id must be positive"}
	}
	if strings.TrimSpace(job.Language) == "" {
		return &DecodeError{Reason: "language is required"}
	}
	if job.Limits.TimeLimitMs <= 0 {
		return &DecodeError{Reason: "limits.time_limit_ms must be positive"}
	}
	if job.Limits.MemoryLimitMB <= 0 {
		return &DecodeError{Reason: "limits.memory_limit_mb must be positive"}
	}
	seen := mapset.NewThreadUnsafeSetWithSize[int64](len(job.Tests))
	for i, tc := range job.Tests {
		if !seen.Add(tc.ID) {
			return &DecodeError{Reason: fmt.Sprintf("tests[%d]: duplicate test id %d", i, tc.ID)}
		}
	}
	return nil
}
