package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/model"
	appErr "codegrade/pkg/errors"
)

// DefaultStatusTopic carries final verdict events.
const DefaultStatusTopic = "grading.status.events"

// StatusEventPublisher announces committed verdicts.
type StatusEventPublisher interface {
	PublishFinal(ctx context.Context, submissionID int64, report model.Report) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(producer mq.Producer, topic string) *MQStatusEventPublisher {
	if topic == "" {
		topic = DefaultStatusTopic
	}
	return &MQStatusEventPublisher{producer: producer, topic: topic}
}

// PublishFinal publishes the final event. The message id is the submission id so consumers can dedupe.
func (p *MQStatusEventPublisher) PublishFinal(ctx context.Context, submissionID int64, report model.Report) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if submissionID <= 0 {
		return appErr.ValidationError("submission_id", "required")
	}
	event := model.StatusEvent{
		Type:         model.StatusEventFinal,
		SubmissionID: submissionID,
		Verdict:      report.Verdict,
		Report:       report,
		CreatedAt:    time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.EncodeFailed, "marshal status event failed")
	}
	message := mq.NewMessage(payload)
	message.ID = strconv.FormatInt(submissionID, 10)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish status event failed")
	}
	return nil
}

// NoopStatusEventPublisher drops events.
type NoopStatusEventPublisher struct{}

// PublishFinal implements StatusEventPublisher.
func (NoopStatusEventPublisher) PublishFinal(context.Context, int64, model.Report) error { return nil }
