package repository

import (
	"context"
	"testing"
	"time"

	"codegrade/internal/common/cache"
	"codegrade/internal/grading/model"
	appErr "codegrade/pkg/errors"

	"github.com/alicebob/miniredis/v2"
)

func newProgressRepo(t *testing.T) (*ProgressRepository, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithConfig(&cache.RedisConfig{Addr: server.Addr()})
	if err != nil {
		t.Fatalf("create cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return NewProgressRepository(c, time.Hour), server
}

func TestProgressSaveAndGet(t *testing.T) {
	t.Parallel()
	repo, server := newProgressRepo(t)
	ctx := context.Background()

	err := repo.Save(ctx, model.Progress{SubmissionID: 11, Stage: model.StageRunningTests, TestsTotal: 3, TestsDone: 1})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !server.Exists("grading:progress:11") {
		t.Fatalf("expected progress key to exist")
	}
	if ttl := server.TTL("grading:progress:11"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	got, err := repo.Get(ctx, 11)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Stage != model.StageRunningTests || got.TestsDone != 1 || got.UpdatedAt == 0 {
		t.Fatalf("unexpected progress %+v", got)
	}
}

func TestProgressMissing(t *testing.T) {
	t.Parallel()
	repo, _ := newProgressRepo(t)
	_, err := repo.Get(context.Background(), 99)
	if appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestProgressRequiresSubmissionID(t *testing.T) {
	t.Parallel()
	repo, _ := newProgressRepo(t)
	if err := repo.Save(context.Background(), model.Progress{}); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}
