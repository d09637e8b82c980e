// Package producer turns task submissions into queued grading jobs.
package producer

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/codec"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/registry"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTopic is where grading jobs are published.
const DefaultTopic = "grading.jobs"

// HeaderSubmissionID carries the submission id outside the payload.
const HeaderSubmissionID = "x-submission-id"

// Config holds enqueue settings.
type Config struct {
	Topic        string
	MaxCodeBytes int
	// MessageTTL dead-letters jobs nobody picked up in time. Zero keeps them forever.
	MessageTTL time.Duration
}

// Receipt identifies a published job.
type Receipt struct {
	SubmissionID int64  `json:"submission_id"`
	MessageID    string `json:"message_id"`
	Topic        string `json:"topic"`
	Language     string `json:"language"`
}

// Enqueuer validates and publishes grading jobs. It never waits for grading.
type Enqueuer struct {
	producer mq.Producer
	registry *registry.Registry
	verifier registry.ImageVerifier
	cfg      Config
}

// NewEnqueuer creates an enqueuer. verifier may be nil.
func NewEnqueuer(producer mq.Producer, reg *registry.Registry, verifier registry.ImageVerifier, cfg Config) *Enqueuer {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = 1 << 20
	}
	return &Enqueuer{producer: producer, registry: reg, verifier: verifier, cfg: cfg}
}

// Enqueue publishes one grading job. Configuration problems such as an unknown language are
// returned synchronously and nothing is published.
func (e *Enqueuer) Enqueue(ctx context.Context, req model.CreateGradingJobRequest) (Receipt, error) {
	if e.producer == nil || e.registry == nil {
		return Receipt{}, appErr.New(appErr.ServiceUnavailable).WithMessage("enqueuer is not configured")
	}
	if req.SubmissionID <= 0 {
		return Receipt{}, appErr.ValidationError("submission_id", "required")
	}
	rt, err := e.registry.Resolve(req.Language)
	if err != nil {
		return Receipt{}, err
	}
	if len(req.Code) > e.cfg.MaxCodeBytes {
		return Receipt{}, appErr.New(appErr.CodeTooLarge).WithMessagef("code is %d bytes, limit is %d", len(req.Code), e.cfg.MaxCodeBytes)
	}
	if err := validUTF8(req); err != nil {
		return Receipt{}, err
	}
	if e.verifier != nil {
		if err := e.verifier.VerifyImage(ctx, rt.Image); err != nil {
			return Receipt{}, err
		}
	}

	job := req.Job()
	job.Language = rt.Language
	payload := codec.Encode(job)
	if _, err := codec.Decode(payload); err != nil {
		return Receipt{}, appErr.Wrapf(err, appErr.InvalidParams, "invalid grading job")
	}

	message := mq.NewMessage(payload)
	message.ID = uuid.NewString()
	message.Expiration = e.cfg.MessageTTL
	message.SetHeader(HeaderSubmissionID, strconv.FormatInt(req.SubmissionID, 10))
	if err := e.producer.Publish(ctx, e.cfg.Topic, message); err != nil {
		return Receipt{}, appErr.Wrapf(err, appErr.QueueUnavailable, "publish grading job failed")
	}
	logger.Info(ctx, "grading job enqueued",
		zap.Int64("submission_id", req.SubmissionID),
		zap.String("message_id", message.ID),
		zap.String("language", rt.Language),
		zap.Int("tests", len(job.Tests)),
	)
	return Receipt{
		SubmissionID: req.SubmissionID,
		MessageID:    message.ID,
		Topic:        e.cfg.Topic,
		Language:     rt.Language,
	}, nil
}

// validUTF8 rejects text the JSON encoder would silently rewrite to U+FFFD.
func validUTF8(req model.CreateGradingJobRequest) error {
	if !utf8.ValidString(req.Code) {
		return appErr.ValidationError("code", "must be valid UTF-8")
	}
	for i, tc := range req.Tests {
		if !utf8.ValidString(tc.ExpectedOutput) {
			return appErr.ValidationError(fmt.Sprintf("tests[%d].expected_output", i), "must be valid UTF-8")
		}
		if tc.Input != nil && !utf8.ValidString(*tc.Input) {
			return appErr.ValidationError(fmt.Sprintf("tests[%d].input", i), "must be valid UTF-8")
		}
	}
	return nil
}
