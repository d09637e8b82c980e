// Package runner stages a program in an ephemeral workspace, runs it through the
// sandbox engine and classifies how it ended.
package runner

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"codegrade/internal/grading/model"
	"codegrade/internal/grading/registry"
	"codegrade/internal/grading/sandbox/engine"
	"codegrade/internal/grading/sandbox/observer"
	"codegrade/internal/grading/sandbox/result"
	"codegrade/internal/grading/sandbox/spec"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	codeDirName = "code"
	ioDirName   = "io"
	stdinName   = "stdin"

	defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Config controls workspace layout and the limits added on top of task limits.
type Config struct {
	WorkRoot       string        `yaml:"workRoot" toml:"workRoot"`
	Profile        string        `yaml:"profile" toml:"profile"`
	WatchdogGrace  time.Duration `yaml:"watchdogGrace" toml:"watchdogGrace"`
	MinMemoryMB    int64         `yaml:"minMemoryMB" toml:"minMemoryMB"`
	PIDs           int64         `yaml:"pids" toml:"pids"`
	OutputMB       int64         `yaml:"outputMB" toml:"outputMB"`
	StackMB        int64         `yaml:"stackMB" toml:"stackMB"`
	MaxSourceBytes int64         `yaml:"maxSourceBytes" toml:"maxSourceBytes"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.WorkRoot == "" {
		c.WorkRoot = os.TempDir()
	}
	if c.WatchdogGrace <= 0 {
		c.WatchdogGrace = 2 * time.Second
	}
	if c.MinMemoryMB <= 0 {
		c.MinMemoryMB = 6
	}
	if c.PIDs <= 0 {
		c.PIDs = 64
	}
	if c.OutputMB <= 0 {
		c.OutputMB = 16
	}
	if c.MaxSourceBytes <= 0 {
		c.MaxSourceBytes = 1 << 20
	}
}

// Request is one program run against one test input.
type Request struct {
	SubmissionID int64
	TestID       int64
	Runtime      registry.Runtime
	Code         string
	Input        string
	Limits       model.ResourceLimits
}

// Execution is the classified outcome of one run.
type Execution struct {
	Stdout         string
	Stderr         string
	ExitStatus     int
	ElapsedMs      int64
	MemoryKB       int64
	Classification model.Classification
}

// Runner runs one program against one input.
type Runner interface {
	Run(ctx context.Context, req Request) (Execution, error)
}

// DefaultRunner implements Runner on top of a sandbox engine.
type DefaultRunner struct {
	eng     engine.Engine
	metrics observer.MetricsRecorder
	cfg     Config
}

// NewRunner creates a new runner backed by the sandbox engine.
func NewRunner(eng engine.Engine, cfg Config) *DefaultRunner {
	return NewRunnerWithObserver(eng, cfg, observer.NoopMetricsRecorder{})
}

// NewRunnerWithObserver creates a new runner with metrics hooks.
func NewRunnerWithObserver(eng engine.Engine, cfg Config, metrics observer.MetricsRecorder) *DefaultRunner {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	cfg.ApplyDefaults()
	return &DefaultRunner{eng: eng, metrics: metrics, cfg: cfg}
}

// Run executes one test of a submission in the sandbox and classifies the outcome.
func (r *DefaultRunner) Run(ctx context.Context, req Request) (Execution, error) {
	if err := validateRequest(req); err != nil {
		return Execution{}, err
	}
	if int64(len(req.Code)) > r.cfg.MaxSourceBytes {
		return Execution{}, appErr.New(appErr.RuntimeError).
			WithMessagef("source is %d bytes, limit is %d", len(req.Code), r.cfg.MaxSourceBytes)
	}

	ws, err := prepareWorkspace(r.cfg.WorkRoot, req)
	if err != nil {
		return Execution{}, err
	}
	defer ws.cleanup(ctx)

	runSpec, err := r.buildRunSpec(req, ws)
	if err != nil {
		return Execution{}, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	subID := runSpec.SubmissionID
	dog := startWatchdog(durationFromMs(runSpec.Limits.WallTimeMs)+r.cfg.WatchdogGrace, r.cfg.WatchdogGrace, cancelRun, func() {
		if err := r.eng.KillSubmission(context.WithoutCancel(ctx), subID); err != nil {
			logger.Warn(ctx, "watchdog kill failed", zap.String("submission_id", subID), zap.Error(err))
		}
	})

	runRes, runErr := r.eng.Run(runCtx, runSpec)
	fired := dog.stop()

	if runErr != nil && !fired {
		if ctx.Err() != nil {
			return Execution{}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "run of test %d interrupted", req.TestID)
		}
		if appErr.GetCode(runErr) != appErr.InternalServerError {
			return Execution{}, runErr
		}
		return Execution{}, appErr.SandboxFailure(runErr, "sandbox run of test %d failed", req.TestID)
	}
	if fired {
		logger.Warn(ctx, "runner watchdog fired", zap.Int64("test_id", req.TestID), zap.Int64("wall_ms", runSpec.Limits.WallTimeMs))
	}

	class := classify(runRes, runSpec.Limits.MemoryMB, req.Runtime.OOMMarkers, fired)
	exec := Execution{
		Stdout:         runRes.Stdout,
		Stderr:         runRes.Stderr,
		ExitStatus:     runRes.ExitCode,
		ElapsedMs:      elapsedMs(runRes),
		MemoryKB:       runRes.MemoryKB,
		Classification: class,
	}
	r.metrics.ObserveRun(ctx, req.Runtime.Language, string(class), exec.ElapsedMs, exec.MemoryKB)
	logger.Debug(ctx, "sandbox run finished",
		zap.Int64("test_id", req.TestID),
		zap.String("classification", string(class)),
		zap.Int("exit_code", exec.ExitStatus),
		zap.Int64("elapsed_ms", exec.ElapsedMs),
	)
	return exec, nil
}

func (r *DefaultRunner) buildRunSpec(req Request, ws workspace) (spec.RunSpec, error) {
	cmd, err := buildCommand(req.Runtime.CommandTemplate, path.Join(spec.CodeDir, req.Runtime.SourceFile))
	if err != nil {
		return spec.RunSpec{}, err
	}
	memoryMB := req.Limits.MemoryLimitMB
	if memoryMB < r.cfg.MinMemoryMB {
		memoryMB = r.cfg.MinMemoryMB
	}
	return spec.RunSpec{
		SubmissionID: fmt.Sprintf("%d", req.SubmissionID),
		TestID:       fmt.Sprintf("%d", req.TestID),
		Image:        req.Runtime.Image,
		WorkDir:      spec.CodeDir,
		Cmd:          cmd,
		Env:          buildEnv(req.Runtime.Env),
		StdinPath:    spec.StdinPath,
		StdoutPath:   spec.StdoutPath,
		StderrPath:   spec.StderrPath,
		Profile:      r.cfg.Profile,
		BindMounts: []spec.MountSpec{
			{Source: ws.codeDir, Target: spec.CodeDir, ReadOnly: true},
			{Source: ws.ioDir, Target: spec.IODir},
		},
		Limits: spec.ResourceLimit{
			CPUTimeMs:  req.Limits.TimeLimitMs,
			WallTimeMs: req.Limits.TimeLimitMs,
			MemoryMB:   memoryMB,
			StackMB:    r.cfg.StackMB,
			OutputMB:   r.cfg.OutputMB,
			PIDs:       r.cfg.PIDs,
		},
	}, nil
}

// classify maps raw engine data to a classification. Timeouts win over memory kills.
func classify(res result.RunResult, memoryLimitMB int64, oomMarkers []string, watchdogFired bool) model.Classification {
	switch {
	case watchdogFired || res.TimedOut || res.ExitCode == -1:
		return model.ClassTimedOut
	case res.OomKilled,
		res.ExitCode == 137,
		memoryLimitMB > 0 && res.MemoryKB > memoryLimitMB*1024,
		res.ExitCode != 0 && hasMarker(res.Stderr, oomMarkers):
		return model.ClassOOMKilled
	case res.ExitCode != 0:
		return model.ClassCrashed
	default:
		return model.ClassCompleted
	}
}

func hasMarker(stderr string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func elapsedMs(res result.RunResult) int64 {
	if res.WallTimeMs > 0 {
		return res.WallTimeMs
	}
	return res.TimeMs
}

func buildCommand(tpl, sourcePath string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := strings.ReplaceAll(tpl, registry.SourcePlaceholder, sourcePath)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func buildEnv(vars map[string]string) []string {
	env := make([]string, 0, len(vars)+2)
	hasPath := false
	for k, v := range vars {
		if k == "PATH" {
			hasPath = true
		}
		env = append(env, k+"="+v)
	}
	if !hasPath {
		env = append(env, defaultPath)
	}
	if _, ok := vars["HOME"]; !ok {
		env = append(env, "HOME=/tmp")
	}
	sort.Strings(env)
	return env
}

func validateRequest(req Request) error {
	if req.SubmissionID <= 0 {
		return appErr.ValidationError("submission_id", "required")
	}
	if req.TestID <= 0 {
		return appErr.ValidationError("test_id", "required")
	}
	if req.Runtime.Image == "" {
		return appErr.ValidationError("image", "required")
	}
	if req.Runtime.SourceFile == "" {
		return appErr.ValidationError("source_file", "required")
	}
	if req.Limits.TimeLimitMs <= 0 {
		return appErr.ValidationError("time_limit_ms", "must be positive")
	}
	return nil
}

func durationFromMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

type workspace struct {
	root    string
	codeDir string
	ioDir   string
}

// prepareWorkspace lays out root/code (read-only source) and root/io (stdin and outputs).
func prepareWorkspace(workRoot string, req Request) (workspace, error) {
	if err := os.MkdirAll(workRoot, 0755); err != nil {
		return workspace{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create work root failed")
	}
	root, err := os.MkdirTemp(workRoot, fmt.Sprintf("sub-%d-test-%d-", req.SubmissionID, req.TestID))
	if err != nil {
		return workspace{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create workspace failed")
	}
	ws := workspace{
		root:    root,
		codeDir: filepath.Join(root, codeDirName),
		ioDir:   filepath.Join(root, ioDirName),
	}
	if err := ws.populate(req); err != nil {
		ws.cleanup(context.Background())
		return workspace{}, err
	}
	return ws, nil
}

func (w workspace) populate(req Request) error {
	if err := os.Chmod(w.root, 0755); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSetupFailed, "chmod workspace failed")
	}
	for _, dir := range []string{w.codeDir, w.ioDir} {
		if err := os.Mkdir(dir, 0755); err != nil {
			return appErr.Wrapf(err, appErr.SandboxSetupFailed, "create %s failed", filepath.Base(dir))
		}
	}
	if err := writeSourceFile(w.codeDir, req.Runtime.SourceFile, req.Code); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.ioDir, stdinName), []byte(req.Input), 0644); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSetupFailed, "write stdin failed")
	}
	return nil
}

func (w workspace) cleanup(ctx context.Context) {
	_ = os.Chmod(w.codeDir, 0755)
	if err := os.RemoveAll(w.root); err != nil {
		logger.Warn(ctx, "remove workspace failed", zap.String("path", w.root), zap.Error(err))
	}
}

func writeSourceFile(codeDir, name, code string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return appErr.ValidationError("source_file", "must be a plain file name")
	}
	if err := os.WriteFile(filepath.Join(codeDir, name), []byte(code), 0444); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSetupFailed, "write source file failed")
	}
	if err := os.Chmod(codeDir, 0555); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSetupFailed, "seal code dir failed")
	}
	return nil
}

// runWatchdog cancels a run that outlives the isolation layer's own timer and,
// if the engine still has not returned after grace, kills the submission.
type runWatchdog struct {
	mu       sync.Mutex
	fired    bool
	stopped  bool
	timer    *time.Timer
	escalate *time.Timer
}

func startWatchdog(after, grace time.Duration, cancel func(), kill func()) *runWatchdog {
	w := &runWatchdog{}
	w.timer = time.AfterFunc(after, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.stopped {
			return
		}
		w.fired = true
		cancel()
		w.escalate = time.AfterFunc(grace, kill)
	})
	return w
}

func (w *runWatchdog) stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
	if w.escalate != nil {
		w.escalate.Stop()
	}
	return w.fired
}
