package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/codec"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/registry"
	"codegrade/internal/grading/repository"
	"codegrade/internal/grading/sandbox/observer"
	"codegrade/internal/grading/sandbox/runner"
	"codegrade/internal/grading/service"
	"codegrade/internal/grading/verdict"
)

// localSubmissionID is the row id used for dry runs, which never touch a database.
const localSubmissionID int64 = 1

// memorySubmissions is a single-row submission store with the same fence as the SQL one.
type memorySubmissions struct {
	mu     sync.Mutex
	status model.Status
	report *model.Report
}

func newMemorySubmissions() *memorySubmissions {
	return &memorySubmissions{status: model.StatusSubmitting}
}

func (m *memorySubmissions) GetStatus(ctx context.Context, submissionID int64) (model.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, nil
}

func (m *memorySubmissions) CommitVerdict(ctx context.Context, submissionID int64, report model.Report, gradedAt time.Time) (repository.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Terminal() {
		return repository.CommitResult{Committed: false, Status: m.status}, nil
	}
	m.status = report.Verdict
	m.report = &report
	return repository.CommitResult{Committed: true, Status: m.status}, nil
}

func (m *memorySubmissions) MarkUnavailable(ctx context.Context, submissionID int64) (bool, error) {
	return false, nil
}

func (m *memorySubmissions) committed() (model.Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.report == nil {
		return model.Report{}, false
	}
	return *m.report, true
}

// terminalProgress prints one line per stage change or finished test.
type terminalProgress struct {
	mu   sync.Mutex
	out  io.Writer
	last model.Progress
}

func (p *terminalProgress) Save(ctx context.Context, progress model.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if progress.Stage == p.last.Stage && progress.TestsDone == p.last.TestsDone {
		return nil
	}
	p.last = progress
	if progress.Stage == model.StageRunningTests {
		fmt.Fprintf(p.out, "%-14s %d/%d\n", progress.Stage, progress.TestsDone, progress.TestsTotal)
		return nil
	}
	fmt.Fprintf(p.out, "%s\n", progress.Stage)
	return nil
}

type localGrader struct {
	runtimes    *registry.Registry
	runner      runner.Runner
	policy      verdict.Policy
	parallelism int
	progressOut io.Writer
}

// grade runs job through the worker pipeline against in-memory stores and returns the committed report.
func (g localGrader) grade(ctx context.Context, job model.GradingJob) (model.Report, error) {
	job.SubmissionID = localSubmissionID
	submissions := newMemorySubmissions()
	svc, err := service.NewGradingService(service.Config{
		Registry:        g.runtimes,
		Runner:          g.runner,
		Submissions:     submissions,
		Progress:        &terminalProgress{out: g.progressOut},
		Events:          repository.NoopStatusEventPublisher{},
		Metrics:         observer.NoopMetricsRecorder{},
		Policy:          g.policy,
		TestParallelism: g.parallelism,
	})
	if err != nil {
		return model.Report{}, err
	}
	if err := svc.HandleMessage(ctx, mq.NewMessage(codec.Encode(job))); err != nil {
		return model.Report{}, err
	}
	report, ok := submissions.committed()
	if !ok {
		return model.Report{}, fmt.Errorf("no verdict was committed")
	}
	return report, nil
}
