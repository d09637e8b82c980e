//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"codegrade/internal/grading/sandbox/result"
	"codegrade/internal/grading/sandbox/security"
	"codegrade/internal/grading/sandbox/spec"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
)

// NativeEngine runs programs through the sandbox-init helper with cgroup v2 limits
// and fresh namespaces.
type NativeEngine struct {
	cfg       Config
	resolver  security.Resolver
	mu     sync.Mutex
	active map[string][]*runCgroup
}

// NewNativeEngine creates a Linux sandbox engine.
func NewNativeEngine(cfg Config, resolver security.Resolver) (*NativeEngine, error) {
	if resolver == nil {
		return nil, fmt.Errorf("profile resolver is required")
	}
	cfg.applyDefaults()
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	return &NativeEngine{
		cfg:      cfg,
		resolver: resolver,
		active:   make(map[string][]*runCgroup),
	}, nil
}

func (e *NativeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}

	isoProfile, err := e.resolver.Resolve(runSpec.Profile)
	if err != nil {
		return result.RunResult{}, fmt.Errorf("resolve profile: %w", err)
	}
	if e.cfg.SeccompDir != "" && isoProfile.SeccompProfile != "" && !filepath.IsAbs(isoProfile.SeccompProfile) {
		isoProfile.SeccompProfile = filepath.Join(e.cfg.SeccompDir, isoProfile.SeccompProfile)
	}

	hostSpec := runSpec
	if !e.cfg.EnableNamespaces {
		hostSpec = rewriteForHost(runSpec)
	}

	var cg *runCgroup
	if e.cfg.EnableCgroup {
		cg, err = newRunCgroup(e.cfg.CgroupRoot, runSpec.SubmissionID, runSpec.TestID)
		if err != nil {
			return result.RunResult{}, err
		}
		if err := cg.limit(runSpec.Limits); err != nil {
			cg.remove()
			return result.RunResult{}, fmt.Errorf("apply cgroup limits: %w", err)
		}
		e.track(runSpec.SubmissionID, cg)
		defer func() {
			e.untrack(runSpec.SubmissionID, cg)
			cg.remove()
		}()
	}

	dropPrivileges := os.Geteuid() == 0
	initReq := spec.HelperRequest{
		RunSpec:        hostSpec,
		Isolation:      isoProfile,
		EnableSeccomp:  e.cfg.EnableSeccomp,
		EnableNs:       e.cfg.EnableNamespaces,
		DropPrivileges: dropPrivileges,
	}
	stdinPipe := jsonToPipe(initReq)
	defer stdinPipe.Close()

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(isoProfile, e.cfg.EnableNamespaces, dropPrivileges)
	cmd.Stdin = stdinPipe

	var helperStderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result.RunResult{}, fmt.Errorf("start helper: %w", err)
	}

	if cg != nil {
		if err := cg.attach(cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cg.path), zap.Error(err))
		}
	}

	var timedOut, canceled atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if wallLimit := durationFromMs(runSpec.Limits.WallTimeMs); wallLimit > 0 {
			timer := time.NewTimer(wallLimit)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			canceled.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-wallTimer:
			timedOut.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	if canceled.Load() {
		return result.RunResult{}, ctx.Err()
	}
	if waitErr != nil && helperStderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper failed", zap.String("stderr", helperStderr.String()))
	}

	stdoutPath := resolveHostPath(runSpec.StdoutPath, runSpec)
	stderrPath := resolveHostPath(runSpec.StderrPath, runSpec)
	exitCode, cpuLimitHit := exitStatus(cmd.ProcessState)
	return result.RunResult{
		ExitCode:   exitCode,
		TimeMs:     cpuTimeMs(cmd.ProcessState),
		WallTimeMs: time.Since(start).Milliseconds(),
		MemoryKB:   cg.peakKB(cmd.ProcessState),
		OutputKB:   stdoutSizeKB(stdoutPath),
		Stdout:     readLimitedFile(stdoutPath, e.cfg.StdoutStderrMaxBytes),
		Stderr:     readLimitedFile(stderrPath, e.cfg.StdoutStderrMaxBytes),
		OomKilled:  cg.oomKilled(),
		TimedOut:   timedOut.Load() || cpuLimitHit,
	}, nil
}

func (e *NativeEngine) KillSubmission(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	e.mu.Lock()
	running := slices.Clone(e.active[submissionID])
	e.mu.Unlock()
	for _, cg := range running {
		if err := cg.kill(); err != nil {
			logger.Warn(ctx, "kill cgroup failed", zap.String("cgroup", cg.path), zap.Error(err))
		}
	}
	return nil
}

func (e *NativeEngine) track(submissionID string, cg *runCgroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[submissionID] = append(e.active[submissionID], cg)
}

func (e *NativeEngine) untrack(submissionID string, cg *runCgroup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	left := slices.DeleteFunc(e.active[submissionID], func(c *runCgroup) bool { return c == cg })
	if len(left) == 0 {
		delete(e.active, submissionID)
		return
	}
	e.active[submissionID] = left
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// exitStatus maps a signal death to 128+signal. The second value is true for SIGXCPU.
func exitStatus(state *os.ProcessState) (int, bool) {
	if state == nil {
		return -1, false
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal() == syscall.SIGXCPU
	}
	return state.ExitCode(), false
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	usage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	utime := time.Duration(usage.Utime.Sec)*time.Second + time.Duration(usage.Utime.Usec)*time.Microsecond
	stime := time.Duration(usage.Stime.Sec)*time.Second + time.Duration(usage.Stime.Usec)*time.Microsecond
	return (utime + stime).Milliseconds()
}

// rewriteForHost resolves sandbox paths to host paths for runs without a mount namespace.
func rewriteForHost(runSpec spec.RunSpec) spec.RunSpec {
	out := runSpec
	out.WorkDir = resolveHostPath(runSpec.WorkDir, runSpec)
	out.StdinPath = resolveHostPath(runSpec.StdinPath, runSpec)
	out.StdoutPath = resolveHostPath(runSpec.StdoutPath, runSpec)
	out.StderrPath = resolveHostPath(runSpec.StderrPath, runSpec)
	out.Cmd = make([]string, len(runSpec.Cmd))
	for i, arg := range runSpec.Cmd {
		if strings.HasPrefix(arg, "/") {
			arg = resolveHostPath(arg, runSpec)
		}
		out.Cmd[i] = arg
	}
	out.BindMounts = nil
	return out
}

func jsonToPipe(req spec.HelperRequest) io.ReadCloser {
	reader, writer := io.Pipe()
	go func() {
		err := json.NewEncoder(writer).Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader
}

func buildSysProcAttr(profile security.IsolationProfile, enableNamespaces, privileged bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags

	if privileged {
		// Root may map the target identity so the helper can switch to it.
		attr.GidMappingsEnableSetgroups = true
		attr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: 0, Size: 1},
			{ContainerID: profile.UID, HostID: profile.UID, Size: 1},
		}
		attr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: 0, Size: 1},
			{ContainerID: profile.GID, HostID: profile.GID, Size: 1},
		}
		return attr
	}

	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return attr
}
