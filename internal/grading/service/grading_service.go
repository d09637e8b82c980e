package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/codec"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/registry"
	"codegrade/internal/grading/repository"
	"codegrade/internal/grading/sandbox/observer"
	"codegrade/internal/grading/sandbox/runner"
	"codegrade/internal/grading/verdict"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/contextkey"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
)

// ProgressStore keeps the live stage of a job.
type ProgressStore interface {
	Save(ctx context.Context, progress model.Progress) error
}

// Config holds service dependencies and settings.
type Config struct {
	Registry    *registry.Registry
	Runner      runner.Runner
	Submissions repository.SubmissionRepository
	Progress    ProgressStore
	Events      repository.StatusEventPublisher
	Metrics     observer.MetricsRecorder
	Policy      verdict.Policy

	// TestParallelism is the number of sandboxes one job may run at once.
	TestParallelism int
	PerTestOverhead time.Duration
	JobOverhead     time.Duration
	MaxJobTimeout   time.Duration
	ProgressTimeout time.Duration
	EventTimeout    time.Duration
}

// GradingService consumes grading jobs and commits verdicts.
type GradingService struct {
	registry        *registry.Registry
	runner          runner.Runner
	submissions     repository.SubmissionRepository
	progress        ProgressStore
	events          repository.StatusEventPublisher
	metrics         observer.MetricsRecorder
	policy          verdict.Policy
	parallelism     int
	perTestOverhead time.Duration
	jobOverhead     time.Duration
	maxJobTimeout   time.Duration
	progressTimeout time.Duration
	eventTimeout    time.Duration
	now             func() time.Time
}

// NewGradingService creates a new grading service.
func NewGradingService(cfg Config) (*GradingService, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("runtime registry is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	svc := &GradingService{
		registry:        cfg.Registry,
		runner:          cfg.Runner,
		submissions:     cfg.Submissions,
		progress:        cfg.Progress,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		policy:          cfg.Policy,
		parallelism:     cfg.TestParallelism,
		perTestOverhead: cfg.PerTestOverhead,
		jobOverhead:     cfg.JobOverhead,
		maxJobTimeout:   cfg.MaxJobTimeout,
		progressTimeout: cfg.ProgressTimeout,
		eventTimeout:    cfg.EventTimeout,
		now:             time.Now,
	}
	if svc.events == nil {
		svc.events = repository.NoopStatusEventPublisher{}
	}
	if svc.metrics == nil {
		svc.metrics = observer.NoopMetricsRecorder{}
	}
	if svc.parallelism <= 0 {
		svc.parallelism = 1
	}
	if svc.perTestOverhead <= 0 {
		svc.perTestOverhead = 2 * time.Second
	}
	if svc.jobOverhead <= 0 {
		svc.jobOverhead = 10 * time.Second
	}
	if svc.maxJobTimeout <= 0 {
		svc.maxJobTimeout = 10 * time.Minute
	}
	if svc.progressTimeout <= 0 {
		svc.progressTimeout = 2 * time.Second
	}
	if svc.eventTimeout <= 0 {
		svc.eventTimeout = 3 * time.Second
	}
	return svc, nil
}

// HandleMessage processes one grading job delivery.
// nil acknowledges the message. Any other error is an infrastructure failure and leads to a redelivery.
func (s *GradingService) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return mq.Permanent(appErr.New(appErr.InvalidParams).WithMessage("message is nil"))
	}
	start := s.now()
	ctx = context.WithValue(ctx, contextkey.MessageID, msg.ID)

	job, err := codec.Decode(msg.Body)
	if err != nil {
		var decodeErr *codec.DecodeError
		if errors.As(err, &decodeErr) {
			logger.Error(ctx, "undecodable grading job", zap.Error(err))
			return mq.Permanent(decodeErr.AppError())
		}
		return mq.Permanent(err)
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, job.SubmissionID)
	attempt := msg.RetryCount + 1
	tracker := s.newTracker(job, attempt)
	tracker.stage(ctx, model.StageReceived)

	tracker.stage(ctx, model.StagePreparing)
	rt, err := s.registry.Resolve(job.Language)
	if err != nil {
		logger.Error(ctx, "worker has no runtime for queued job", zap.String("language", job.Language), zap.Error(err))
		return err
	}
	status, err := s.submissions.GetStatus(ctx, job.SubmissionID)
	if err != nil {
		logger.Warn(ctx, "load submission status failed", zap.Error(err))
		return err
	}
	if status.Terminal() {
		logger.Info(ctx, "submission already graded, skipping", zap.String("status", string(status)), zap.Int("attempt", attempt))
		tracker.finish(ctx, model.StageAcked, status)
		return nil
	}

	budget := s.jobBudget(job)
	jobCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	tracker.stage(ctx, model.StageRunningTests)
	executions, err := s.runTests(jobCtx, job, rt, tracker)
	if err != nil {
		if isProgramError(err) {
			logger.Info(ctx, "program failed before producing results", zap.Error(err))
			return s.commit(ctx, job, verdict.RuntimeErrorReport(job.Tests, err.Error()), tracker, start)
		}
		if jobCtx.Err() != nil && ctx.Err() == nil {
			err = appErr.Wrapf(err, appErr.Timeout, "grading job exceeded %s", budget)
		}
		logger.Warn(ctx, "grading job failed, leaving for redelivery", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	tracker.stage(ctx, model.StageAggregating)
	report := verdict.BuildReport(buildResults(job, executions))
	return s.commit(ctx, job, report, tracker, start)
}

func (s *GradingService) commit(ctx context.Context, job model.GradingJob, report model.Report, tracker *progressTracker, start time.Time) error {
	res, err := s.submissions.CommitVerdict(ctx, job.SubmissionID, report, s.now())
	if err != nil {
		logger.Warn(ctx, "commit verdict failed", zap.Error(err))
		return err
	}
	if !res.Committed {
		logger.Info(ctx, "verdict already committed by another delivery", zap.String("status", string(res.Status)))
		tracker.finish(ctx, model.StageAcked, res.Status)
		return nil
	}
	tracker.finish(ctx, model.StageCommitted, report.Verdict)
	s.publishFinal(ctx, job.SubmissionID, report)
	s.metrics.ObserveJob(ctx, job.Language, string(report.Verdict), s.now().Sub(start))
	logger.Info(ctx, "submission graded",
		zap.String("verdict", string(report.Verdict)),
		zap.Int("tests", len(report.Tests)),
		zap.Int64("total_elapsed_ms", report.TotalElapsedMs),
	)
	tracker.finish(ctx, model.StageAcked, report.Verdict)
	return nil
}

func (s *GradingService) publishFinal(ctx context.Context, submissionID int64, report model.Report) {
	ctxEvent, cancel := context.WithTimeout(ctx, s.eventTimeout)
	defer cancel()
	if err := s.events.PublishFinal(ctxEvent, submissionID, report); err != nil {
		logger.Warn(ctx, "publish final status event failed", zap.Error(err))
	}
}

// jobBudget bounds the whole job: the sum of time limits plus fixed overheads, capped.
func (s *GradingService) jobBudget(job model.GradingJob) time.Duration {
	n := time.Duration(len(job.Tests))
	budget := n*time.Duration(job.Limits.TimeLimitMs)*time.Millisecond + n*s.perTestOverhead + s.jobOverhead
	if budget > s.maxJobTimeout {
		return s.maxJobTimeout
	}
	return budget
}

// isProgramError reports failures caused by the submitted program rather than the platform.
func isProgramError(err error) bool {
	return appErr.GetCode(err) == appErr.RuntimeError
}
