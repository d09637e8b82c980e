package service

import (
	"context"
	"sync/atomic"

	"codegrade/internal/grading/comparator"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/registry"
	"codegrade/internal/grading/sandbox/runner"
	appErr "codegrade/pkg/errors"
	"codegrade/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxErrorBytes = 4 << 10

// runTests executes the job's tests in stored order. A nil entry means the test was skipped.
func (s *GradingService) runTests(ctx context.Context, job model.GradingJob, rt registry.Runtime, tracker *progressTracker) ([]*runner.Execution, error) {
	executions := make([]*runner.Execution, len(job.Tests))
	var stopped atomic.Bool
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i := range job.Tests {
		if stopped.Load() {
			continue
		}
		tc := job.Tests[i]
		g.Go(func() error {
			if stopped.Load() {
				return nil
			}
			exec, err := s.runOne(gctx, job, rt, tc)
			if err != nil {
				return err
			}
			executions[i] = &exec
			if s.policy.ShouldStop(model.TestResult{Classification: exec.Classification}) {
				if !stopped.Swap(true) {
					logger.Info(ctx, "resource limit hit, skipping remaining tests",
						zap.Int64("test_id", tc.ID),
						zap.String("classification", string(exec.Classification)),
					)
				}
			}
			tracker.testDone(ctx, int(done.Add(1)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *GradingService) runOne(ctx context.Context, job model.GradingJob, rt registry.Runtime, tc model.TestCase) (exec runner.Execution, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "runner panicked", zap.Int64("test_id", tc.ID), zap.Any("panic", r))
			err = appErr.New(appErr.RuntimeError).WithMessagef("runner panic: %v", r)
		}
	}()
	return s.runner.Run(ctx, runner.Request{
		SubmissionID: job.SubmissionID,
		TestID:       tc.ID,
		Runtime:      rt,
		Code:         job.Code,
		Input:        tc.InputData(),
		Limits:       job.Limits,
	})
}

// buildResults compares outputs and produces one result per test in stored order.
func buildResults(job model.GradingJob, executions []*runner.Execution) []model.TestResult {
	results := make([]model.TestResult, len(job.Tests))
	for i, tc := range job.Tests {
		exec := executions[i]
		if exec == nil {
			results[i] = model.TestResult{TestID: tc.ID, IsPublic: tc.IsPublic, Skipped: true}
			continue
		}
		res := model.TestResult{
			TestID:         tc.ID,
			ActualOutput:   exec.Stdout,
			Classification: exec.Classification,
			ElapsedMs:      exec.ElapsedMs,
			ExitCode:       exec.ExitStatus,
			IsPublic:       tc.IsPublic,
		}
		if exec.Classification == model.ClassCompleted {
			mode := comparator.Resolve(tc.CompareMode, job.CompareMode)
			res.Passed = comparator.Compare(tc.ExpectedOutput, exec.Stdout, mode)
		} else {
			res.Error = tail(exec.Stderr, maxErrorBytes)
		}
		results[i] = res
	}
	return results
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
