package producer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/codec"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/registry"
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

type stubVerifier struct {
	err    error
	images []string
}

func (v *stubVerifier) VerifyImage(ctx context.Context, image string) error {
	v.images = append(v.images, image)
	return v.err
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.DefaultRuntimes())
	if err != nil {
		t.Fatalf("create registry failed: %v", err)
	}
	return reg
}

func sampleRequest() model.CreateGradingJobRequest {
	input := "2 3"
	return model.CreateGradingJobRequest{
		SubmissionID: 12,
		TaskID:       3,
		AccountID:    4,
		Language:     "Python",
		Code:         "a, b = map(int, input().split())\nprint(a + b)\n",
		Tests: []model.TestCase{
			{ID: 1, Input: &input, ExpectedOutput: "5", IsPublic: true},
			{ID: 2, ExpectedOutput: "0"},
		},
		Limits: model.ResourceLimits{TimeLimitMs: 1000, MemoryLimitMB: 64},
	}
}

func TestEnqueuePublishesJob(t *testing.T) {
	t.Parallel()
	producer := &recordingProducer{}
	verifier := &stubVerifier{}
	enq := NewEnqueuer(producer, newRegistry(t), verifier, Config{})

	receipt, err := enq.Enqueue(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if producer.topic != DefaultTopic || len(producer.messages) != 1 {
		t.Fatalf("expected one message on %s, got %d on %s", DefaultTopic, len(producer.messages), producer.topic)
	}
	msg := producer.messages[0]
	if msg.ID == "" || msg.ID != receipt.MessageID {
		t.Fatalf("expected message id in receipt, got %q vs %q", msg.ID, receipt.MessageID)
	}
	if v, _ := msg.GetHeader(HeaderSubmissionID); v != "12" {
		t.Fatalf("expected submission header, got %q", v)
	}
	job, err := codec.Decode(msg.Body)
	if err != nil {
		t.Fatalf("decode published job failed: %v", err)
	}
	if job.Language != "python" || len(job.Tests) != 2 || job.Tests[1].Input != nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(verifier.images) != 1 || verifier.images[0] != "python:3.12-alpine" {
		t.Fatalf("expected image verification, got %v", verifier.images)
	}
}

func TestEnqueueRejectsUnknownLanguage(t *testing.T) {
	t.Parallel()
	producer := &recordingProducer{}
	enq := NewEnqueuer(producer, newRegistry(t), nil, Config{})

	req := sampleRequest()
	req.Language = "cobol"
	_, err := enq.Enqueue(context.Background(), req)
	if appErr.GetCode(err) != appErr.LanguageNotSupported {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	if len(producer.messages) != 0 {
		t.Fatalf("nothing must be published")
	}
}

func TestEnqueueRejectsMissingImage(t *testing.T) {
	t.Parallel()
	producer := &recordingProducer{}
	verifier := &stubVerifier{err: appErr.New(appErr.ImageNotAvailable)}
	enq := NewEnqueuer(producer, newRegistry(t), verifier, Config{})

	_, err := enq.Enqueue(context.Background(), sampleRequest())
	if appErr.GetCode(err) != appErr.ImageNotAvailable {
		t.Fatalf("expected ImageNotAvailable, got %v", err)
	}
	if len(producer.messages) != 0 {
		t.Fatalf("nothing must be published")
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	enq := NewEnqueuer(&recordingProducer{}, newRegistry(t), nil, Config{MaxCodeBytes: 16})

	cases := []struct {
		name   string
		mutate func(*model.CreateGradingJobRequest)
		code   appErr.ErrorCode
	}{
		{name: "missing id", mutate: func(r *model.CreateGradingJobRequest) { r.SubmissionID = 0 }, code: appErr.ValidationFailed},
		{name: "code too large", mutate: func(r *model.CreateGradingJobRequest) { r.Code = strings.Repeat("x", 17) }, code: appErr.CodeTooLarge},
		{name: "invalid utf-8 code", mutate: func(r *model.CreateGradingJobRequest) { r.Code = "print(\xff)" }, code: appErr.ValidationFailed},
		{name: "invalid utf-8 expected output", mutate: func(r *model.CreateGradingJobRequest) {
			r.Code = "print(1)"
			r.Tests[0].ExpectedOutput = "\xc3\x28"
		}, code: appErr.ValidationFailed},
		{name: "zero time limit", mutate: func(r *model.CreateGradingJobRequest) { r.Code = "print(1)"; r.Limits.TimeLimitMs = 0 }, code: appErr.InvalidParams},
	}
	for _, tc := range cases {
		req := sampleRequest()
		tc.mutate(&req)
		if _, err := enq.Enqueue(context.Background(), req); appErr.GetCode(err) != tc.code {
			t.Fatalf("%s: expected %d, got %v", tc.name, tc.code, err)
		}
	}
}

func TestEnqueuePublishFailure(t *testing.T) {
	t.Parallel()
	enq := NewEnqueuer(&recordingProducer{err: errors.New("dial tcp: refused")}, newRegistry(t), nil, Config{})
	_, err := enq.Enqueue(context.Background(), sampleRequest())
	if appErr.GetCode(err) != appErr.QueueUnavailable {
		t.Fatalf("expected QueueUnavailable, got %v", err)
	}
}
