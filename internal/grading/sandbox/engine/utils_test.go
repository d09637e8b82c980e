package engine

import (
	"context"
	"errors"
	"testing"

	"codegrade/internal/grading/sandbox/result"
	"codegrade/internal/grading/sandbox/spec"
	appErr "codegrade/pkg/errors"
)

func TestResolveHostPath(t *testing.T) {
	t.Parallel()

	runSpec := spec.RunSpec{BindMounts: []spec.MountSpec{
		{Source: "/work/42/code", Target: "/sandbox/code"},
		{Source: "/work/42/io", Target: "/sandbox/io"},
		{Source: "/work/42/io-extra", Target: "/sandbox/io/extra"},
	}}
	cases := map[string]string{
		"/sandbox/io/stdout":     "/work/42/io/stdout",
		"/sandbox/code/main.py":  "/work/42/code/main.py",
		"/sandbox/io/extra/x":    "/work/42/io-extra/x",
		"/sandbox/codex/main.py": "/sandbox/codex/main.py",
		"/elsewhere/file":        "/elsewhere/file",
		"":                       "",
		"/sandbox/code":          "/work/42/code",
	}
	for in, want := range cases {
		if got := resolveHostPath(in, runSpec); got != want {
			t.Fatalf("resolveHostPath(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()

	buf := newCappedBuffer(5)
	for _, chunk := range []string{"abc", "defg", "hij"} {
		n, err := buf.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("expected full write, got n=%d err=%v", n, err)
		}
	}
	if buf.String() != "abcde" {
		t.Fatalf("expected capped content, got %q", buf.String())
	}
	if buf.Total() != 10 {
		t.Fatalf("expected 10 bytes counted, got %d", buf.Total())
	}
}

type stubEngine struct {
	err error
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{ExitCode: 3}, s.err
}

func (s *stubEngine) KillSubmission(ctx context.Context, submissionID string) error {
	return nil
}

func TestBreakerEngineMapsFailures(t *testing.T) {
	t.Parallel()

	eng := WithBreaker(&stubEngine{}, "test-ok")
	res, err := eng.Run(context.Background(), spec.RunSpec{})
	if err != nil || res.ExitCode != 3 {
		t.Fatalf("expected pass-through result, got %+v err=%v", res, err)
	}

	eng = WithBreaker(&stubEngine{err: errors.New("daemon gone")}, "test-fail")
	_, err = eng.Run(context.Background(), spec.RunSpec{})
	if !appErr.Is(err, appErr.SandboxUnavailable) {
		t.Fatalf("expected SandboxUnavailable, got %v", err)
	}

	eng = WithBreaker(&stubEngine{err: context.Canceled}, "test-cancel")
	_, err = eng.Run(context.Background(), spec.RunSpec{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to pass through, got %v", err)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Driver: "qemu"}, nil); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}
}
