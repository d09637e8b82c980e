package logger

import (
	"context"
	"testing"

	"codegrade/pkg/utils/contextkey"
)

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected invalid format error")
	}
	if _, err := New(Config{Level: "debug", Format: "console", OutputPath: "stderr"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestContextFields(t *testing.T) {
	t.Parallel()
	ctx := context.WithValue(context.Background(), contextkey.TraceID, "t-1")
	ctx = context.WithValue(ctx, contextkey.MessageID, "m-1")
	ctx = context.WithValue(ctx, contextkey.SubmissionID, int64(42))

	fields := contextFields(ctx)
	got := make(map[string]bool, len(fields))
	for _, f := range fields {
		got[f.Key] = true
	}
	for _, want := range []string{"trace_id", "message_id", "submission_id"} {
		if !got[want] {
			t.Fatalf("expected field %s, got %v", want, fields)
		}
	}
	if got["request_id"] {
		t.Fatalf("unexpected request_id field")
	}
	if len(contextFields(context.Background())) != 0 {
		t.Fatalf("expected no fields for empty context")
	}
}
