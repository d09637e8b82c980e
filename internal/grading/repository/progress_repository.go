package repository

import (
	"context"
	"strconv"
	"time"

	"codegrade/internal/common/cache"
	"codegrade/internal/grading/model"
	appErr "codegrade/pkg/errors"
)

const (
	progressKeyPrefix  = "grading:progress:"
	defaultProgressTTL = 24 * time.Hour
)

// ProgressRepository keeps the live stage snapshot of running jobs.
type ProgressRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewProgressRepository creates a new repository.
func NewProgressRepository(cacheClient cache.Cache, ttl time.Duration) *ProgressRepository {
	if ttl <= 0 {
		ttl = defaultProgressTTL
	}
	return &ProgressRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the progress snapshot of a submission.
func (r *ProgressRepository) Get(ctx context.Context, submissionID int64) (model.Progress, error) {
	if submissionID <= 0 {
		return model.Progress{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.Progress{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	progress, found, err := cache.GetJSON[model.Progress](ctx, r.cache, progressKey(submissionID))
	if err != nil {
		return model.Progress{}, appErr.Wrapf(err, appErr.CacheError, "load progress failed")
	}
	if !found {
		return model.Progress{}, appErr.New(appErr.NotFound).WithMessage("grading progress not found")
	}
	return progress, nil
}

// Save stores a progress snapshot.
func (r *ProgressRepository) Save(ctx context.Context, progress model.Progress) error {
	if progress.SubmissionID <= 0 {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if progress.UpdatedAt == 0 {
		progress.UpdatedAt = time.Now().Unix()
	}
	if err := cache.SetJSON(ctx, r.cache, progressKey(progress.SubmissionID), progress, r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store progress failed")
	}
	return nil
}

func progressKey(submissionID int64) string {
	return progressKeyPrefix + strconv.FormatInt(submissionID, 10)
}
