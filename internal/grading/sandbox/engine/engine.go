// Package engine runs one program under isolation and reports what the kernel saw.
package engine

import (
	"context"
	"fmt"
	"strings"

	"codegrade/internal/grading/sandbox/result"
	"codegrade/internal/grading/sandbox/security"
	"codegrade/internal/grading/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
// A non-nil error means the isolation layer itself failed; program failures are reported in RunResult.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	KillSubmission(ctx context.Context, submissionID string) error
}

// ImageVerifier is implemented by engines that start programs from container images.
type ImageVerifier interface {
	VerifyImage(ctx context.Context, image string) error
}

// Pinger is implemented by engines backed by a daemon.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Engine drivers.
const (
	DriverDocker = "docker"
	DriverNative = "native"
)

// New builds the configured engine wrapped in a circuit breaker.
func New(cfg Config, resolver security.Resolver) (Engine, error) {
	if resolver == nil {
		resolver = security.NewStaticResolver(nil)
	}
	var (
		eng Engine
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", DriverDocker:
		eng, err = NewDockerEngine(cfg, resolver)
	case DriverNative:
		eng, err = NewNativeEngine(cfg, resolver)
	default:
		return nil, fmt.Errorf("unsupported sandbox driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return WithBreaker(eng, cfg.BreakerName), nil
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.SubmissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if runSpec.TestID == "" {
		return fmt.Errorf("test id is required")
	}
	if runSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(runSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	return nil
}
