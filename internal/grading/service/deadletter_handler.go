package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/codec"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/producer"
	"codegrade/internal/grading/repository"
	"codegrade/pkg/utils/contextkey"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
)

// Archiver stores dead-lettered payloads for later inspection or replay.
type Archiver interface {
	Archive(ctx context.Context, message *mq.Message) (string, error)
}

// DeadLetterHandler consumes exhausted grading jobs.
type DeadLetterHandler struct {
	archive     Archiver
	submissions repository.SubmissionRepository
	progress    ProgressStore
}

// NewDeadLetterHandler creates a handler. archive and progress may be nil.
func NewDeadLetterHandler(archive Archiver, submissions repository.SubmissionRepository, progress ProgressStore) (*DeadLetterHandler, error) {
	if submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	return &DeadLetterHandler{archive: archive, submissions: submissions, progress: progress}, nil
}

// HandleMessage archives the payload, flags the submission UNAVAILABLE and raises an operator alert.
// The submission stays SUBMITTING so a replay can still grade it.
func (h *DeadLetterHandler) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	reason, _ := msg.GetHeader(mq.HeaderDeadLetterReason)
	topic, _ := msg.GetHeader(mq.HeaderOriginalTopic)

	archiveKey := ""
	if h.archive != nil {
		key, err := h.archive.Archive(ctx, msg)
		if err != nil {
			logger.Warn(ctx, "archive dead letter failed", zap.String("message_id", msg.ID), zap.Error(err))
			return err
		}
		archiveKey = key
	}

	submissionID, ok := submissionIDOf(msg)
	if !ok {
		logger.Error(ctx, "dead-lettered message without submission id",
			zap.String("message_id", msg.ID),
			zap.String("reason", reason),
			zap.String("original_topic", topic),
			zap.String("archive_key", archiveKey),
		)
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submissionID)

	changed, err := h.submissions.MarkUnavailable(ctx, submissionID)
	if err != nil {
		logger.Warn(ctx, "mark submission unavailable failed", zap.Error(err))
		return err
	}
	if changed && h.progress != nil {
		progress := model.Progress{
			SubmissionID: submissionID,
			Stage:        model.StageUnavailable,
			Attempt:      msg.RetryCount + 1,
			UpdatedAt:    time.Now().Unix(),
		}
		if err := h.progress.Save(ctx, progress); err != nil {
			logger.Warn(ctx, "save unavailable progress failed", zap.Error(err))
		}
	}
	logger.Error(ctx, "grading job dead-lettered, submission left ungraded",
		zap.String("message_id", msg.ID),
		zap.String("reason", reason),
		zap.String("original_topic", topic),
		zap.Int("retry_count", msg.RetryCount),
		zap.String("archive_key", archiveKey),
		zap.Bool("marked_unavailable", changed),
	)
	return nil
}

func submissionIDOf(msg *mq.Message) (int64, bool) {
	if job, err := codec.Decode(msg.Body); err == nil {
		return job.SubmissionID, true
	}
	raw, ok := msg.GetHeader(producer.HeaderSubmissionID)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
