package engine

import (
	"context"
	"errors"
	"io"

	"codegrade/internal/grading/sandbox/result"
	"codegrade/internal/grading/sandbox/spec"
	appErr "codegrade/pkg/errors"

	"github.com/zeromicro/go-zero/core/breaker"
)

type breakerEngine struct {
	inner Engine
	brk   breaker.Breaker
}

// WithBreaker guards engine calls with a circuit breaker.
// While the breaker is open Run fails fast with SandboxUnavailable.
func WithBreaker(inner Engine, name string) Engine {
	if name == "" {
		name = defaultBreakerName
	}
	return &breakerEngine{inner: inner, brk: breaker.NewBreaker(breaker.WithName(name))}
}

func (b *breakerEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	var res result.RunResult
	err := b.brk.DoWithAcceptable(func() error {
		var runErr error
		res, runErr = b.inner.Run(ctx, runSpec)
		return runErr
	}, acceptable)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, breaker.ErrServiceUnavailable) {
		return result.RunResult{}, appErr.SandboxFailure(err, "sandbox circuit %s is open", b.brk.Name())
	}
	if appErr.GetCode(err) != appErr.InternalServerError {
		return res, err
	}
	return res, appErr.SandboxFailure(err, "sandbox run failed: %v", err)
}

func (b *breakerEngine) KillSubmission(ctx context.Context, submissionID string) error {
	return b.inner.KillSubmission(ctx, submissionID)
}

func (b *breakerEngine) VerifyImage(ctx context.Context, image string) error {
	if v, ok := b.inner.(ImageVerifier); ok {
		return v.VerifyImage(ctx, image)
	}
	return nil
}

func (b *breakerEngine) Ping(ctx context.Context) error {
	if p, ok := b.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Cancellation comes from the caller and says nothing about engine health.
func acceptable(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (b *breakerEngine) Close() error {
	if c, ok := b.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
