package repository

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/common/storage"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	meta    map[string]map[string]string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte), types: make(map[string]string), meta: make(map[string]map[string]string)}
}

func (s *memStorage) PutObject(ctx context.Context, bucket, key string, body []byte, opts storage.PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = append([]byte(nil), body...)
	s.types[bucket+"/"+key] = opts.ContentType
	s.meta[bucket+"/"+key] = opts.Metadata
	return nil
}

func (s *memStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return io.NopCloser(bytes.NewReader(s.objects[bucket+"/"+key])), nil
}

func (s *memStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(chan storage.ObjectInfo, len(s.objects))
	for k, v := range s.objects {
		key := strings.TrimPrefix(k, bucket+"/")
		if strings.HasPrefix(key, prefix) {
			out <- storage.ObjectInfo{Key: key, SizeBytes: int64(len(v)), Metadata: s.meta[k]}
		}
	}
	close(out)
	return out
}

func TestDeadLetterArchiveRoundTrip(t *testing.T) {
	t.Parallel()
	store := newMemStorage()
	archive, err := NewDeadLetterArchive(store, "grading")
	if err != nil {
		t.Fatalf("create archive failed: %v", err)
	}
	archive.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

	message := mq.NewMessage([]byte(`{"submission_id":42}`))
	message.ID = "msg/1"
	message.RetryCount = 5
	message.SetHeader(mq.HeaderOriginalTopic, "grading.jobs")
	message.SetHeader(mq.HeaderDeadLetterReason, "sandbox unavailable")

	key, err := archive.Archive(context.Background(), message)
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if key != "dead-letters/2026/03/04/msg_1.json.zst" {
		t.Fatalf("unexpected key %s", key)
	}
	if store.types["grading/"+key] != "application/zstd" {
		t.Fatalf("unexpected content type %s", store.types["grading/"+key])
	}
	if store.meta["grading/"+key]["original-topic"] != "grading.jobs" {
		t.Fatalf("unexpected metadata %v", store.meta["grading/"+key])
	}
	if bytes.Contains(store.objects["grading/"+key], []byte("submission_id")) {
		t.Fatalf("expected compressed payload")
	}

	keys, err := archive.List(context.Background(), time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC))
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Fatalf("unexpected listing %v %v", keys, err)
	}

	record, err := archive.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if record.OriginalTopic != "grading.jobs" || record.Reason != "sandbox unavailable" || record.RetryCount != 5 {
		t.Fatalf("unexpected record %+v", record)
	}
	if string(record.Body) != `{"submission_id":42}` {
		t.Fatalf("unexpected body %s", record.Body)
	}

	replay := record.Message()
	if replay.RetryCount != 0 || replay.ID != "msg/1" {
		t.Fatalf("unexpected replay message %+v", replay)
	}
	if _, ok := replay.GetHeader(mq.HeaderDeadLetterReason); ok {
		t.Fatalf("dead-letter headers must be stripped on replay")
	}
}

func TestDeadLetterArchiveListSkipsOtherDays(t *testing.T) {
	t.Parallel()
	store := newMemStorage()
	archive, err := NewDeadLetterArchive(store, "grading")
	if err != nil {
		t.Fatalf("create archive failed: %v", err)
	}
	archive.now = func() time.Time { return time.Date(2026, 3, 5, 0, 0, 1, 0, time.UTC) }
	if _, err := archive.Archive(context.Background(), mq.NewMessage([]byte("{}"))); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	keys, err := archive.List(context.Background(), time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys, got %v %v", keys, err)
	}
}
