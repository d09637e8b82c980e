package mq

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		retryCount int
		base       time.Duration
		max        time.Duration
		want       time.Duration
	}{
		{name: "base", retryCount: 0, base: time.Second, max: 30 * time.Second, want: time.Second},
		{name: "double", retryCount: 1, base: time.Second, max: 30 * time.Second, want: 2 * time.Second},
		{name: "quad", retryCount: 2, base: time.Second, max: 30 * time.Second, want: 4 * time.Second},
		{name: "capped", retryCount: 10, base: time.Second, max: 30 * time.Second, want: 30 * time.Second},
		{name: "uncapped", retryCount: 3, base: time.Second, max: 0, want: 8 * time.Second},
		{name: "no-base", retryCount: 3, base: 0, max: 30 * time.Second, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ComputeBackoff(tt.retryCount, tt.base, tt.max); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()
	opts := &SubscribeOptions{DeadLetterTopic: "jobs.dead"}
	opts.SetDefaults()
	noDLQ := &SubscribeOptions{}
	noDLQ.SetDefaults()
	failure := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		retry     int
		opts      *SubscribeOptions
		want      Disposition
		wantDelay time.Duration
	}{
		{name: "ack", err: nil, retry: 3, opts: opts, want: DispositionAck},
		{name: "first-retry", err: failure, retry: 0, opts: opts, want: DispositionRetry, wantDelay: time.Second},
		{name: "third-retry", err: failure, retry: 2, opts: opts, want: DispositionRetry, wantDelay: 4 * time.Second},
		{name: "exhausted", err: failure, retry: 5, opts: opts, want: DispositionDeadLetter},
		{name: "permanent", err: Permanent(failure), retry: 0, opts: opts, want: DispositionDeadLetter},
		{name: "exhausted-without-dlq", err: failure, retry: 9, opts: noDLQ, want: DispositionRetry, wantDelay: 30 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, delay := Decide(tt.err, tt.retry, tt.opts)
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if delay != tt.wantDelay {
				t.Fatalf("expected delay %s, got %s", tt.wantDelay, delay)
			}
		})
	}
}

func TestPermanentUnwraps(t *testing.T) {
	t.Parallel()
	base := errors.New("bad payload")
	err := Permanent(base)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected permanent error to wrap the cause")
	}
	if IsPermanent(base) {
		t.Fatalf("plain error must not be permanent")
	}
	if Permanent(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestNextAttemptDoesNotMutateOriginal(t *testing.T) {
	t.Parallel()
	msg := NewMessage([]byte("payload"))
	msg.ID = "m-1"
	msg.RetryCount = 2
	next := NextAttempt(msg)
	if next.RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %d", next.RetryCount)
	}
	if next.Headers[headerRetryCount] != "3" {
		t.Fatalf("expected retry header 3, got %q", next.Headers[headerRetryCount])
	}
	if msg.RetryCount != 2 {
		t.Fatalf("original message mutated: %d", msg.RetryCount)
	}
	if _, ok := msg.Headers[headerRetryCount]; ok {
		t.Fatalf("original headers mutated")
	}
}

func TestDeadLetterHeaders(t *testing.T) {
	t.Parallel()
	msg := NewMessage([]byte("payload"))
	msg.Expiration = time.Minute
	dead := DeadLetter(msg, "grading.jobs", errors.New("sandbox down"))
	if dead.Headers[HeaderOriginalTopic] != "grading.jobs" {
		t.Fatalf("expected original topic header, got %q", dead.Headers[HeaderOriginalTopic])
	}
	if dead.Headers[HeaderDeadLetterReason] != "sandbox down" {
		t.Fatalf("expected reason header, got %q", dead.Headers[HeaderDeadLetterReason])
	}
	if dead.Expiration != 0 {
		t.Fatalf("dead-lettered messages must not expire")
	}
}

func TestMessageExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	msg := &Message{Timestamp: now.Add(-2 * time.Minute), Expiration: time.Minute}
	if !msg.Expired(now) {
		t.Fatalf("expected message to be expired")
	}
	msg.Expiration = 0
	if msg.Expired(now) {
		t.Fatalf("message without expiration never expires")
	}
}

func TestSubscribeOptionsDefaults(t *testing.T) {
	t.Parallel()
	opts := SubscribeOptions{RetryDelay: time.Minute, MaxRetryDelay: time.Second}
	opts.SetDefaults()
	if opts.PrefetchCount != 1 || opts.Concurrency != 1 || opts.MaxRetries != 5 {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	if opts.MaxRetryDelay != time.Minute {
		t.Fatalf("expected max delay raised to base delay, got %s", opts.MaxRetryDelay)
	}
	if opts.VisibilityTimeout != 5*time.Minute {
		t.Fatalf("expected 5m visibility timeout, got %s", opts.VisibilityTimeout)
	}
}

func TestInFlightLimiter(t *testing.T) {
	t.Parallel()
	l := NewInFlightLimiter(1)
	ctx := t.Context()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = l.Acquire(ctx)
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("second acquire must block")
	case <-time.After(20 * time.Millisecond):
	}
	l.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second acquire not released")
	}
}

func TestEnvelopeHeadersOverrideUserHeaders(t *testing.T) {
	t.Parallel()
	msg := &Message{
		ID:        "m-1",
		Timestamp: time.Unix(100, 0).UTC(),
		Headers:   map[string]string{headerExpiration: "5", "lang": "go"},
	}
	flat := envelopeHeaders(msg)
	if _, ok := flat[headerExpiration]; ok {
		t.Fatalf("expected stale expiration header dropped, got %v", flat)
	}
	if _, ok := flat[headerRetryCount]; ok {
		t.Fatalf("expected no retry header for first attempt, got %v", flat)
	}

	got := &Message{Headers: map[string]string{}}
	for k, v := range flat {
		if !applyEnvelopeHeader(got, k, v) {
			got.Headers[k] = v
		}
	}
	if got.ID != "m-1" || !got.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("expected envelope fields restored, got %+v", got)
	}
	if len(got.Headers) != 1 || got.Headers["lang"] != "go" {
		t.Fatalf("expected only user headers, got %v", got.Headers)
	}
}

func TestDispatchExpiredMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		return nil
	}
	stale := func() *Message {
		return &Message{ID: "m-1", Timestamp: time.Now().Add(-time.Hour), Headers: map[string]string{}}
	}

	opts := &SubscribeOptions{MessageTTL: time.Minute, DeadLetterTopic: "jobs.dlq", MaxRetries: 3}
	err := dispatch(ctx, handler, stale(), opts)
	if !IsPermanent(err) || !errors.Is(err, ErrExpired) {
		t.Fatalf("expected permanent ErrExpired, got %v", err)
	}
	if d, _ := Decide(err, 0, opts); d != DispositionDeadLetter {
		t.Fatalf("expected dead_letter, got %s", d)
	}
	if calls != 0 {
		t.Fatalf("expected handler skipped, got %d calls", calls)
	}

	if err := dispatch(ctx, handler, stale(), &SubscribeOptions{MessageTTL: time.Minute}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to run without a dead-letter topic, got %d calls", calls)
	}
}
