package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerExpiration = "x-message-expiration-ms"

	// HeaderDeadLetterReason carries the last handler error of a dead-lettered message.
	HeaderDeadLetterReason = "x-dead-letter-reason"
	// HeaderOriginalTopic carries the topic a dead-lettered message was consumed from.
	HeaderOriginalTopic = "x-original-topic"
	// HeaderDeadLetteredAt is the RFC3339 time the message was dead-lettered.
	HeaderDeadLetteredAt = "x-dead-lettered-at"
)

// ErrExpired is the dead-letter reason of a message that outlived its TTL before it was handled.
var ErrExpired = errors.New("message expired before it was handled")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth redelivering.
// The message is routed to the dead-letter topic immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was produced by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Disposition is what a backend does with a message after the handler ran.
type Disposition int

const (
	DispositionAck Disposition = iota
	DispositionRetry
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "ack"
	case DispositionRetry:
		return "retry"
	case DispositionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decide maps a handler result onto a disposition and a redelivery delay.
// Without a dead-letter topic an exhausted message keeps retrying at the capped delay.
func Decide(handlerErr error, retryCount int, opts *SubscribeOptions) (Disposition, time.Duration) {
	if handlerErr == nil {
		return DispositionAck, 0
	}
	exhausted := IsPermanent(handlerErr) || retryCount >= opts.MaxRetries
	if exhausted {
		if opts.DeadLetterTopic != "" {
			return DispositionDeadLetter, 0
		}
		return DispositionRetry, opts.MaxRetryDelay
	}
	return DispositionRetry, ComputeBackoff(retryCount, opts.RetryDelay, opts.MaxRetryDelay)
}

// ComputeBackoff doubles base per retry and caps the result at max.
func ComputeBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay >= max {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// NextAttempt clones message for a redelivery with the retry counter advanced.
func NextAttempt(message *Message) *Message {
	clone := message.Clone()
	clone.RetryCount = message.RetryCount + 1
	clone.SetHeader(headerRetryCount, strconv.Itoa(clone.RetryCount))
	return clone
}

// DeadLetter clones message for the dead-letter topic.
func DeadLetter(message *Message, topic string, reason error) *Message {
	clone := message.Clone()
	clone.Expiration = 0
	clone.SetHeader(HeaderOriginalTopic, topic)
	clone.SetHeader(HeaderDeadLetteredAt, time.Now().UTC().Format(time.RFC3339))
	if reason != nil {
		clone.SetHeader(HeaderDeadLetterReason, reason.Error())
	}
	return clone
}

// invokeHandler runs handler and turns a panic into an error so the message is redelivered.
func invokeHandler(ctx context.Context, handler HandlerFunc, message *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message handler panic: %v", r)
			logger.Error(ctx, "message handler panic",
				zap.String("message_id", message.ID),
				zap.Any("panic", r),
			)
		}
	}()
	return handler(ctx, message)
}

// dispatch runs handler unless message outlived its TTL. An expired message goes to the
// dead-letter topic instead; without one, expiry is ignored and the handler still runs.
func dispatch(ctx context.Context, handler HandlerFunc, message *Message, opts *SubscribeOptions) error {
	if message.Expiration == 0 && opts.MessageTTL > 0 {
		message.Expiration = opts.MessageTTL
	}
	if message.Expired(time.Now()) {
		if opts.DeadLetterTopic != "" {
			return Permanent(ErrExpired)
		}
		logger.Warn(ctx, "expired message handled, no dead-letter topic",
			zap.String("message_id", message.ID),
			zap.Duration("expiration", message.Expiration),
		)
	}
	return invokeHandler(ctx, handler, message)
}

func logDisposition(ctx context.Context, topic string, message *Message, disposition Disposition, delay time.Duration, handlerErr error) {
	switch disposition {
	case DispositionAck:
		return
	case DispositionRetry:
		logger.Warn(ctx, "message scheduled for redelivery",
			zap.String("topic", topic),
			zap.String("message_id", message.ID),
			zap.Int("retry_count", message.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(handlerErr),
		)
	case DispositionDeadLetter:
		logger.Error(ctx, "message dead-lettered",
			zap.String("topic", topic),
			zap.String("message_id", message.ID),
			zap.Int("retry_count", message.RetryCount),
			zap.Error(handlerErr),
		)
	}
}

func parseRetryCount(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// envelopeHeaders flattens message metadata and user headers into one string map.
// Envelope keys always win over user headers of the same name.
func envelopeHeaders(message *Message) map[string]string {
	out := make(map[string]string, len(message.Headers)+4)
	for k, v := range message.Headers {
		out[k] = v
	}
	if message.ID != "" {
		out[headerID] = message.ID
	} else {
		delete(out, headerID)
	}
	out[headerTimestamp] = message.Timestamp.Format(time.RFC3339Nano)
	delete(out, headerRetryCount)
	if message.RetryCount != 0 {
		out[headerRetryCount] = strconv.Itoa(message.RetryCount)
	}
	delete(out, headerExpiration)
	if message.Expiration > 0 {
		out[headerExpiration] = strconv.FormatInt(message.Expiration.Milliseconds(), 10)
	}
	return out
}

// applyEnvelopeHeader sets the message field behind an envelope key.
// It reports false for keys that belong in Message.Headers.
func applyEnvelopeHeader(m *Message, key, value string) bool {
	switch key {
	case headerID:
		m.ID = value
	case headerTimestamp:
		if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
			m.Timestamp = ts
		}
	case headerRetryCount:
		m.RetryCount = parseRetryCount(value)
	case headerExpiration:
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			m.Expiration = time.Duration(ms) * time.Millisecond
		}
	default:
		return false
	}
	return true
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
