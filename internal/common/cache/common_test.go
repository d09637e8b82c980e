package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type progressSnapshot struct {
	Stage string `json:"stage"`
	Done  int    `json:"done"`
}

func newMiniredisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	c, err := NewRedisCacheWithConfig(&RedisConfig{Addr: server.Addr()})
	if err != nil {
		t.Fatalf("create cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, server
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	c, server := newMiniredisCache(t)
	ctx := context.Background()

	if err := SetJSON(ctx, c, "grading:progress:1", progressSnapshot{Stage: "RUNNING_TESTS", Done: 2}, time.Hour); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, found, err := GetJSON[progressSnapshot](ctx, c, "grading:progress:1")
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	if got.Stage != "RUNNING_TESTS" || got.Done != 2 {
		t.Fatalf("unexpected value %+v", got)
	}
	ttl := server.TTL("grading:progress:1")
	if ttl > time.Hour || ttl < 54*time.Minute {
		t.Fatalf("expected jittered ttl within 10%% of 1h, got %s", ttl)
	}
}

func TestGetJSONMiss(t *testing.T) {
	t.Parallel()
	c, _ := newMiniredisCache(t)
	_, found, err := GetJSON[progressSnapshot](context.Background(), c, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected miss")
	}
}

func TestGetJSONCorrupt(t *testing.T) {
	t.Parallel()
	c, server := newMiniredisCache(t)
	if err := server.Set("bad", "{not json"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, _, err := GetJSON[progressSnapshot](context.Background(), c, "bad"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestJitterTTL(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		got := JitterTTL(10 * time.Second)
		if got > 10*time.Second || got < 9*time.Second {
			t.Fatalf("jitter out of range: %s", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}
