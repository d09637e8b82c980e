package cache

import (
	"context"
	"time"
)

// Cache is the key/value surface behind progress snapshots.
// Get returns "" with a nil error when the key does not exist.
type Cache interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
