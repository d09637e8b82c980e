package service

import (
	"context"
	"sync"

	"codegrade/internal/grading/model"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
)

// progressTracker writes stage snapshots best-effort. Failures are logged and never fail the job.
// Saves are serialized so the stored TestsDone never goes backwards.
type progressTracker struct {
	svc     *GradingService
	mu      sync.Mutex
	current model.Progress
}

func (s *GradingService) newTracker(job model.GradingJob, attempt int) *progressTracker {
	return &progressTracker{
		svc: s,
		current: model.Progress{
			SubmissionID: job.SubmissionID,
			TestsTotal:   len(job.Tests),
			Attempt:      attempt,
		},
	}
}

func (t *progressTracker) stage(ctx context.Context, stage model.Stage) {
	t.update(ctx, func(p *model.Progress) { p.Stage = stage })
}

func (t *progressTracker) finish(ctx context.Context, stage model.Stage, verdict model.Status) {
	t.update(ctx, func(p *model.Progress) {
		p.Stage = stage
		p.Verdict = verdict
	})
}

func (t *progressTracker) testDone(ctx context.Context, done int) {
	t.update(ctx, func(p *model.Progress) {
		if done > p.TestsDone {
			p.TestsDone = done
		}
	})
}

func (t *progressTracker) update(ctx context.Context, mutate func(*model.Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mutate(&t.current)
	t.current.UpdatedAt = t.svc.now().Unix()
	snapshot := t.current

	logger.Debug(ctx, "grading stage", zap.String("stage", string(snapshot.Stage)), zap.Int("tests_done", snapshot.TestsDone))
	if t.svc.progress == nil {
		return
	}
	ctxSave, cancel := context.WithTimeout(ctx, t.svc.progressTimeout)
	defer cancel()
	if err := t.svc.progress.Save(ctxSave, snapshot); err != nil {
		logger.Warn(ctx, "save grading progress failed", zap.String("stage", string(snapshot.Stage)), zap.Error(err))
	}
}
