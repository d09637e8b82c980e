package mq

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// FetchLimiter caps how many fetched messages a subscription holds unacknowledged.
type FetchLimiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// InFlightLimiter is a FetchLimiter over a weighted semaphore.
// Every Release must pair with a successful Acquire.
type InFlightLimiter struct {
	sem *semaphore.Weighted
}

// NewInFlightLimiter allows up to size messages in flight, at least one.
func NewInFlightLimiter(size int) *InFlightLimiter {
	if size <= 0 {
		size = 1
	}
	return &InFlightLimiter{sem: semaphore.NewWeighted(int64(size))}
}

func (l *InFlightLimiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *InFlightLimiter) Release() {
	l.sem.Release(1)
}
