package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/model"
	appErr "codegrade/pkg/errors"
)

type recordingProducer struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}

func TestPublishFinal(t *testing.T) {
	t.Parallel()
	producer := &recordingProducer{}
	publisher := NewMQStatusEventPublisher(producer, "")

	if err := publisher.PublishFinal(context.Background(), 5, acceptedReport()); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if producer.topic != DefaultStatusTopic {
		t.Fatalf("expected default topic, got %s", producer.topic)
	}
	msg := producer.messages[0]
	if msg.ID != "5" {
		t.Fatalf("expected message id 5, got %s", msg.ID)
	}
	var event model.StatusEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		t.Fatalf("decode event failed: %v", err)
	}
	if event.Type != model.StatusEventFinal || event.Verdict != model.StatusAccepted || event.SubmissionID != 5 {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestPublishFinalFailure(t *testing.T) {
	t.Parallel()
	publisher := NewMQStatusEventPublisher(&recordingProducer{err: errors.New("broker down")}, "events")
	err := publisher.PublishFinal(context.Background(), 5, acceptedReport())
	if appErr.GetCode(err) != appErr.PublishFailed {
		t.Fatalf("expected PublishFailed, got %v", err)
	}
}
