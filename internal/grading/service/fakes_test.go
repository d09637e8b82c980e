package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/codec"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/registry"
	"codegrade/internal/grading/repository"
	"codegrade/internal/grading/sandbox/runner"
	"codegrade/internal/grading/verdict"
	appErr "codegrade/pkg/errors"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []int64
	active  int
	peak    int
	delay   time.Duration
	execute func(ctx context.Context, req runner.Request) (runner.Execution, error)
}

func (r *fakeRunner) Run(ctx context.Context, req runner.Request) (runner.Execution, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req.TestID)
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.execute(ctx, req)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeSubmissions struct {
	mu          sync.Mutex
	status      map[int64]model.Status
	commits     []model.Report
	attempts    map[int64]int
	getErr      error
	commitErr   error
	unavailable []int64
}

func newFakeSubmissions(id int64, status model.Status) *fakeSubmissions {
	return &fakeSubmissions{
		status:   map[int64]model.Status{id: status},
		attempts: make(map[int64]int),
	}
}

func (f *fakeSubmissions) GetStatus(ctx context.Context, id int64) (model.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	status, ok := f.status[id]
	if !ok {
		return "", appErr.New(appErr.SubmissionNotFound)
	}
	return status, nil
}

func (f *fakeSubmissions) CommitVerdict(ctx context.Context, id int64, report model.Report, gradedAt time.Time) (repository.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return repository.CommitResult{}, f.commitErr
	}
	status, ok := f.status[id]
	if !ok {
		return repository.CommitResult{}, appErr.New(appErr.SubmissionNotFound)
	}
	if status.Terminal() {
		return repository.CommitResult{Committed: false, Status: status}, nil
	}
	f.status[id] = report.Verdict
	f.commits = append(f.commits, report)
	f.attempts[id]++
	return repository.CommitResult{Committed: true, Status: report.Verdict}, nil
}

func (f *fakeSubmissions) MarkUnavailable(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] != model.StatusSubmitting {
		return false, nil
	}
	f.unavailable = append(f.unavailable, id)
	return true, nil
}

type fakeProgress struct {
	mu     sync.Mutex
	stages []model.Stage
	last   model.Progress
}

func (p *fakeProgress) Save(ctx context.Context, progress model.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, progress.Stage)
	p.last = progress
	return nil
}

func (p *fakeProgress) hasStage(stage model.Stage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.stages {
		if s == stage {
			return true
		}
	}
	return false
}

type fakeEvents struct {
	mu     sync.Mutex
	events []model.Report
}

func (e *fakeEvents) PublishFinal(ctx context.Context, submissionID int64, report model.Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, report)
	return nil
}

type harness struct {
	svc         *GradingService
	runner      *fakeRunner
	submissions *fakeSubmissions
	progress    *fakeProgress
	events      *fakeEvents
}

func newHarness(t *testing.T, status model.Status, parallelism int, execute func(ctx context.Context, req runner.Request) (runner.Execution, error)) *harness {
	t.Helper()
	reg, err := registry.New(registry.DefaultRuntimes())
	if err != nil {
		t.Fatalf("create registry failed: %v", err)
	}
	h := &harness{
		runner:      &fakeRunner{execute: execute},
		submissions: newFakeSubmissions(100, status),
		progress:    &fakeProgress{},
		events:      &fakeEvents{},
	}
	svc, err := NewGradingService(Config{
		Registry:        reg,
		Runner:          h.runner,
		Submissions:     h.submissions,
		Progress:        h.progress,
		Events:          h.events,
		Policy:          verdict.DefaultPolicy(),
		TestParallelism: parallelism,
	})
	if err != nil {
		t.Fatalf("create service failed: %v", err)
	}
	h.svc = svc
	return h
}

func strPtr(s string) *string { return &s }

// sumJob is two-integer addition with the given tests.
func sumJob(tests ...model.TestCase) model.GradingJob {
	if len(tests) == 0 {
		tests = []model.TestCase{
			{ID: 1, Input: strPtr("2 3"), ExpectedOutput: "5", IsPublic: true},
			{ID: 2, Input: strPtr("10 10"), ExpectedOutput: "20"},
		}
	}
	return model.GradingJob{
		SubmissionID: 100,
		Language:     "python",
		Code:         "a, b = map(int, input().split())\nprint(a + b)\n",
		Tests:        tests,
		Limits:       model.ResourceLimits{TimeLimitMs: 2000, MemoryLimitMB: 128},
	}
}

func jobMessage(job model.GradingJob) *mq.Message {
	msg := mq.NewMessage(codec.Encode(job))
	msg.ID = "m-1"
	return msg
}

func completed(stdout string) runner.Execution {
	return runner.Execution{Stdout: stdout, Classification: model.ClassCompleted, ElapsedMs: 12}
}
