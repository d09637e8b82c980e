package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/sandbox/runner"
	appErr "codegrade/pkg/errors"
)

// addInts returns what a correct two-integer adder prints.
func addInts(ctx context.Context, req runner.Request) (runner.Execution, error) {
	fields := strings.Fields(req.Input)
	sum := 0
	for _, f := range fields {
		n, _ := strconv.Atoi(f)
		sum += n
	}
	return completed(fmt.Sprintf("%d\n", sum)), nil
}

func TestAcceptedSubmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, addInts)

	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(h.submissions.commits) != 1 {
		t.Fatalf("expected one commit, got %d", len(h.submissions.commits))
	}
	report := h.submissions.commits[0]
	if report.Verdict != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", report.Verdict)
	}
	for _, res := range report.Tests {
		if !res.Passed {
			t.Fatalf("expected test %d to pass", res.TestID)
		}
	}
	if report.Tests[0].TestID != 1 || report.Tests[1].TestID != 2 || !report.Tests[0].IsPublic {
		t.Fatalf("unexpected order or flags %+v", report.Tests)
	}
	if report.TotalElapsedMs != 24 {
		t.Fatalf("expected total 24ms, got %d", report.TotalElapsedMs)
	}
	if len(h.events.events) != 1 {
		t.Fatalf("expected final event, got %d", len(h.events.events))
	}
	for _, stage := range []model.Stage{model.StageReceived, model.StagePreparing, model.StageRunningTests, model.StageAggregating, model.StageCommitted, model.StageAcked} {
		if !h.progress.hasStage(stage) {
			t.Fatalf("expected stage %s in %v", stage, h.progress.stages)
		}
	}
	if h.progress.last.TestsDone != 2 || h.progress.last.Verdict != model.StatusAccepted {
		t.Fatalf("unexpected final progress %+v", h.progress.last)
	}
}

func TestInfiniteLoopIsTimeLimitExceeded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		return runner.Execution{ExitStatus: 137, ElapsedMs: 2000, Classification: model.ClassTimedOut}, nil
	})

	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	report := h.submissions.commits[0]
	if report.Verdict != model.StatusTimeLimitExceeded {
		t.Fatalf("expected TIME_LIMIT_EXCEEDED, got %s", report.Verdict)
	}
	if h.runner.callCount() != 1 {
		t.Fatalf("expected remaining tests skipped, got %d runs", h.runner.callCount())
	}
	if !report.Tests[1].Skipped {
		t.Fatalf("expected second test skipped, got %+v", report.Tests[1])
	}
}

func TestRedeliveryOfGradedSubmissionIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusAccepted, 1, addInts)

	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if h.runner.callCount() != 0 {
		t.Fatalf("expected no sandbox runs, got %d", h.runner.callCount())
	}
	if len(h.submissions.commits) != 0 || h.submissions.attempts[100] != 0 {
		t.Fatalf("expected no commit and no attempt increment")
	}
	if len(h.events.events) != 0 {
		t.Fatalf("expected no event")
	}
}

func TestConcurrentCommitLosesFence(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, nil)
	h.runner.execute = func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		// another delivery commits while this one runs
		h.submissions.mu.Lock()
		h.submissions.status[100] = model.StatusWrongAnswer
		h.submissions.mu.Unlock()
		return addInts(ctx, req)
	}

	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(h.submissions.commits) != 0 {
		t.Fatalf("expected fenced no-op")
	}
	if h.submissions.status[100] != model.StatusWrongAnswer {
		t.Fatalf("first verdict must stand, got %s", h.submissions.status[100])
	}
	if len(h.events.events) != 0 {
		t.Fatalf("expected no event for a lost fence")
	}
}

func TestJobWithoutTestsIsAccepted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, addInts)
	job := sumJob()
	job.Tests = nil

	if err := h.svc.HandleMessage(context.Background(), jobMessage(job)); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(h.submissions.commits) != 1 {
		t.Fatalf("expected one commit, got %d", len(h.submissions.commits))
	}
	report := h.submissions.commits[0]
	if report.Verdict != model.StatusAccepted || len(report.Tests) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.runner.callCount() != 0 {
		t.Fatalf("expected no sandbox runs, got %d", h.runner.callCount())
	}
}

func TestWrongAnswer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		return completed("7\n"), nil
	})
	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	report := h.submissions.commits[0]
	if report.Verdict != model.StatusWrongAnswer || report.Tests[0].ActualOutput != "7\n" {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.runner.callCount() != 2 {
		t.Fatalf("a mismatch must not stop the run, got %d runs", h.runner.callCount())
	}
}

func TestCrashBeatsTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		if req.TestID == 1 {
			return runner.Execution{ExitStatus: 1, Stderr: "ZeroDivisionError", Classification: model.ClassCrashed}, nil
		}
		return runner.Execution{Classification: model.ClassTimedOut}, nil
	})
	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	report := h.submissions.commits[0]
	if report.Verdict != model.StatusRuntimeError {
		t.Fatalf("expected RUNTIME_ERROR, got %s", report.Verdict)
	}
	if report.Tests[0].Error != "ZeroDivisionError" {
		t.Fatalf("expected stderr in error, got %q", report.Tests[0].Error)
	}
}

func TestSandboxFailureIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		return runner.Execution{}, appErr.SandboxFailure(fmt.Errorf("cannot connect to the docker daemon"), "run sandbox failed")
	})
	err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob()))
	if appErr.GetCode(err) != appErr.SandboxUnavailable {
		t.Fatalf("expected SandboxUnavailable, got %v", err)
	}
	if mq.IsPermanent(err) {
		t.Fatalf("infrastructure failures must be retried")
	}
	if len(h.submissions.commits) != 0 {
		t.Fatalf("no verdict may be written on infrastructure failure")
	}
}

func TestProgramErrorCommitsRuntimeError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		return runner.Execution{}, appErr.New(appErr.RuntimeError).WithMessage("source exceeds 1048576 bytes")
	})
	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	report := h.submissions.commits[0]
	if report.Verdict != model.StatusRuntimeError {
		t.Fatalf("expected RUNTIME_ERROR, got %s", report.Verdict)
	}
	if report.Tests[0].Classification != model.ClassCrashed || !report.Tests[1].Skipped {
		t.Fatalf("unexpected tests %+v", report.Tests)
	}
}

func TestRunnerPanicCommitsRuntimeError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		panic("index out of range")
	})
	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob())); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if got := h.submissions.commits[0].Verdict; got != model.StatusRuntimeError {
		t.Fatalf("expected RUNTIME_ERROR, got %s", got)
	}
}

func TestUndecodableMessageIsPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, addInts)
	err := h.svc.HandleMessage(context.Background(), mq.NewMessage([]byte(`{"submission_id":`)))
	if !mq.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if appErr.GetCode(err) != appErr.DecodeFailed {
		t.Fatalf("expected DecodeFailed, got %v", err)
	}
	if len(h.submissions.commits) != 0 {
		t.Fatalf("decode failures never produce a verdict")
	}
}

func TestDatabaseFailureIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, addInts)
	h.submissions.commitErr = appErr.New(appErr.DatabaseError)
	err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob()))
	if appErr.GetCode(err) != appErr.DatabaseError {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
	if len(h.events.events) != 0 {
		t.Fatalf("no event before a commit")
	}
}

func TestParallelTestsKeepOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 3, addInts)
	h.runner.delay = 20 * time.Millisecond
	var tests []model.TestCase
	for i := 1; i <= 6; i++ {
		in := fmt.Sprintf("%d %d", i, i)
		tests = append(tests, model.TestCase{ID: int64(i), Input: &in, ExpectedOutput: strconv.Itoa(2 * i)})
	}

	if err := h.svc.HandleMessage(context.Background(), jobMessage(sumJob(tests...))); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	report := h.submissions.commits[0]
	if report.Verdict != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", report.Verdict)
	}
	for i, res := range report.Tests {
		if res.TestID != int64(i+1) {
			t.Fatalf("expected stored order, got %d at %d", res.TestID, i)
		}
	}
	if h.runner.peak > 3 {
		t.Fatalf("expected at most 3 concurrent runs, got %d", h.runner.peak)
	}
}

func TestJobWatchdogLeavesJobForRedelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		<-ctx.Done()
		return runner.Execution{}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "run canceled")
	})
	h.svc.perTestOverhead = time.Millisecond
	h.svc.jobOverhead = time.Millisecond
	job := sumJob()
	job.Limits.TimeLimitMs = 1

	err := h.svc.HandleMessage(context.Background(), jobMessage(job))
	if appErr.GetCode(err) != appErr.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if len(h.submissions.commits) != 0 {
		t.Fatalf("watchdog expiry must not write a verdict")
	}
}

func TestJobBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, addInts)
	job := sumJob()
	want := 2*2000*time.Millisecond + 2*2*time.Second + 10*time.Second
	if got := h.svc.jobBudget(job); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	h.svc.maxJobTimeout = 5 * time.Second
	if got := h.svc.jobBudget(job); got != 5*time.Second {
		t.Fatalf("expected cap, got %s", got)
	}
}

func TestCompareModeFromTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, model.StatusSubmitting, 1, func(ctx context.Context, req runner.Request) (runner.Execution, error) {
		return completed("0.3333333\n"), nil
	})
	job := sumJob(model.TestCase{ID: 1, ExpectedOutput: "0.33333331"})
	job.CompareMode = "numeric"
	if err := h.svc.HandleMessage(context.Background(), jobMessage(job)); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if got := h.submissions.commits[0].Verdict; got != model.StatusAccepted {
		t.Fatalf("expected numeric compare to accept, got %s", got)
	}
}
