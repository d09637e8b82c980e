package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"codegrade/internal/grading/sandbox/result"
	"codegrade/internal/grading/sandbox/security"
	"codegrade/internal/grading/sandbox/spec"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	labelSubmission = "codegrade.submission"
	labelTest       = "codegrade.test"

	streamDrainTimeout = 2 * time.Second
	cleanupTimeout     = 10 * time.Second
)

// dockerAPI is the subset of the docker client the engine calls.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerWait(ctx context.Context, container string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, container, signal string) error
	ContainerInspect(ctx context.Context, container string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, image string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerEngine runs each test in a throwaway container.
type DockerEngine struct {
	cfg      Config
	api      dockerAPI
	resolver security.Resolver
	// container id -> submission id
	inflight *xsync.MapOf[string, string]
}

// NewDockerEngine connects to the docker daemon from the environment or cfg.DockerHost.
func NewDockerEngine(cfg Config, resolver security.Resolver) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerEngine(cfg, cli, resolver), nil
}

func newDockerEngine(cfg Config, api dockerAPI, resolver security.Resolver) *DockerEngine {
	cfg.applyDefaults()
	if resolver == nil {
		resolver = security.NewStaticResolver(nil)
	}
	return &DockerEngine{
		cfg:      cfg,
		api:      api,
		resolver: resolver,
		inflight: xsync.NewMapOf[string, string](),
	}
}

// Run executes runSpec in a fresh container that is removed afterwards.
func (e *DockerEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}
	if runSpec.Image == "" {
		return result.RunResult{}, fmt.Errorf("image is required")
	}
	prof, err := e.resolver.Resolve(runSpec.Profile)
	if err != nil {
		return result.RunResult{}, fmt.Errorf("resolve profile: %w", err)
	}

	created, err := e.api.ContainerCreate(ctx, e.containerConfig(runSpec, prof), e.hostConfig(runSpec), nil, nil, containerName(runSpec))
	if err != nil {
		return result.RunResult{}, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	e.inflight.Store(id, runSpec.SubmissionID)
	defer func() {
		e.inflight.Delete(id)
		e.remove(ctx, id)
	}()

	attach, err := e.api.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return result.RunResult{}, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	stdout := newCappedBuffer(e.cfg.StdoutStderrMaxBytes)
	stderr := newCappedBuffer(e.cfg.StdoutStderrMaxBytes)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	statusCh, errCh := e.api.ContainerWait(ctx, id, container.WaitConditionNextExit)
	start := time.Now()
	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return result.RunResult{}, fmt.Errorf("start container: %w", err)
	}

	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		if err := feedStdin(attach, resolveHostPath(runSpec.StdinPath, runSpec)); err != nil {
			logger.Debug(ctx, "feed stdin stopped", zap.String("container", id), zap.Error(err))
		}
	}()

	var wallTimer <-chan time.Time
	if wall := durationFromMs(runSpec.Limits.WallTimeMs); wall > 0 {
		timer := time.NewTimer(wall)
		defer timer.Stop()
		wallTimer = timer.C
	}

	runResult := result.RunResult{ExitCode: -1}
	select {
	case status := <-statusCh:
		runResult.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		return result.RunResult{}, fmt.Errorf("wait container: %w", err)
	case <-wallTimer:
		runResult.TimedOut = true
		e.kill(ctx, id)
		runResult.ExitCode = awaitExit(statusCh, errCh)
	case <-ctx.Done():
		e.kill(ctx, id)
		return result.RunResult{}, ctx.Err()
	}
	runResult.WallTimeMs = time.Since(start).Milliseconds()

	select {
	case <-copyDone:
	case <-time.After(streamDrainTimeout):
		logger.Warn(ctx, "container output stream did not drain", zap.String("container", id))
	}
	attach.Close()
	<-stdinDone

	runResult.Stdout = stdout.String()
	runResult.Stderr = stderr.String()
	runResult.OutputKB = stdout.Total() / 1024
	runResult.TimeMs = runResult.WallTimeMs

	inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	info, err := e.api.ContainerInspect(inspectCtx, id)
	if err != nil {
		logger.Warn(ctx, "inspect container failed", zap.String("container", id), zap.Error(err))
		return runResult, nil
	}
	if info.ContainerJSONBase != nil && info.State != nil {
		runResult.OomKilled = info.State.OOMKilled
		if !runResult.TimedOut {
			runResult.ExitCode = info.State.ExitCode
		}
		if ms, ok := stateElapsedMs(info.State); ok {
			runResult.TimeMs = ms
			runResult.WallTimeMs = ms
		}
	}
	return runResult, nil
}

// KillSubmission kills every running container of the submission.
func (e *DockerEngine) KillSubmission(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	e.inflight.Range(func(containerID, owner string) bool {
		if owner == submissionID {
			e.kill(ctx, containerID)
		}
		return true
	})
	return nil
}

// VerifyImage fails with ImageNotAvailable when the image is not present locally.
func (e *DockerEngine) VerifyImage(ctx context.Context, ref string) error {
	if _, err := e.api.ImageInspect(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return appErr.New(appErr.ImageNotAvailable).WithMessagef("image %s is not available", ref).WithDetail("image", ref)
		}
		return appErr.SandboxFailure(err, "inspect image %s failed", ref)
	}
	return nil
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.api.Ping(ctx); err != nil {
		return appErr.SandboxFailure(err, "docker daemon unreachable")
	}
	return nil
}

func (e *DockerEngine) Close() error {
	return e.api.Close()
}

func (e *DockerEngine) containerConfig(runSpec spec.RunSpec, prof security.IsolationProfile) *container.Config {
	return &container.Config{
		Image:           runSpec.Image,
		Cmd:             runSpec.Cmd,
		Env:             runSpec.Env,
		WorkingDir:      runSpec.WorkDir,
		User:            fmt.Sprintf("%d:%d", prof.UID, prof.GID),
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
		Labels: map[string]string{
			labelSubmission: runSpec.SubmissionID,
			labelTest:       runSpec.TestID,
		},
	}
}

func (e *DockerEngine) hostConfig(runSpec spec.RunSpec) *container.HostConfig {
	memory := runSpec.Limits.MemoryMB * 1024 * 1024
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,nodev,size=%dm", e.cfg.TmpfsSizeMB),
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   e.cfg.NanoCPUs,
		},
	}
	if runSpec.Limits.PIDs > 0 {
		pids := runSpec.Limits.PIDs
		hostCfg.Resources.PidsLimit = &pids
	}
	// stdio travels over the attach stream, only read-only binds are needed inside.
	for _, m := range runSpec.BindMounts {
		if !m.ReadOnly {
			continue
		}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: true,
		})
	}
	return hostCfg
}

func (e *DockerEngine) kill(ctx context.Context, id string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.api.ContainerKill(killCtx, id, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
		logger.Debug(ctx, "kill container failed", zap.String("container", id), zap.Error(err))
	}
}

func (e *DockerEngine) remove(ctx context.Context, id string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		logger.Warn(ctx, "remove container failed", zap.String("container", id), zap.Error(err))
	}
}

func feedStdin(attach types.HijackedResponse, path string) error {
	defer attach.CloseWrite()
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(attach.Conn, file)
	return err
}

func awaitExit(statusCh <-chan container.WaitResponse, errCh <-chan error) int {
	select {
	case status := <-statusCh:
		return int(status.StatusCode)
	case <-errCh:
		return -1
	case <-time.After(cleanupTimeout):
		return -1
	}
}

func stateElapsedMs(state *container.State) (int64, bool) {
	started, err := time.Parse(time.RFC3339Nano, state.StartedAt)
	if err != nil {
		return 0, false
	}
	finished, err := time.Parse(time.RFC3339Nano, state.FinishedAt)
	if err != nil || finished.Before(started) {
		return 0, false
	}
	return finished.Sub(started).Milliseconds(), true
}

func containerName(runSpec spec.RunSpec) string {
	name := fmt.Sprintf("codegrade-%s-%s-%d", runSpec.SubmissionID, runSpec.TestID, time.Now().UnixNano())
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
