//go:build !linux

package engine

import (
	"context"
	"fmt"

	"codegrade/internal/grading/sandbox/result"
	"codegrade/internal/grading/sandbox/security"
	"codegrade/internal/grading/sandbox/spec"
)

// NativeEngine is only available on linux.
type NativeEngine struct{}

func NewNativeEngine(cfg Config, resolver security.Resolver) (*NativeEngine, error) {
	return nil, fmt.Errorf("native sandbox engine is only supported on linux")
}

func (e *NativeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, fmt.Errorf("native sandbox engine is only supported on linux")
}

func (e *NativeEngine) KillSubmission(ctx context.Context, submissionID string) error {
	return fmt.Errorf("native sandbox engine is only supported on linux")
}
