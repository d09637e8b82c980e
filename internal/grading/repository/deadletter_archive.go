package repository

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/common/storage"
	appErr "codegrade/pkg/errors"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	deadLetterPrefix      = "dead-letters"
	deadLetterExt         = ".json.zst"
	deadLetterContentType = "application/zstd"
	maxArchivedObject     = 64 << 20
)

// DeadLetterRecord is one archived dead-lettered job.
type DeadLetterRecord struct {
	MessageID     string            `json:"message_id"`
	OriginalTopic string            `json:"original_topic"`
	Reason        string            `json:"reason"`
	RetryCount    int               `json:"retry_count"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body"`
	PublishedAt   time.Time         `json:"published_at"`
	ArchivedAt    time.Time         `json:"archived_at"`
}

// Message rebuilds a fresh queue message for replay. Dead-letter headers and the retry count are reset.
func (r DeadLetterRecord) Message() *mq.Message {
	message := mq.NewMessage(append([]byte(nil), r.Body...))
	message.ID = r.MessageID
	for k, v := range r.Headers {
		switch k {
		case mq.HeaderDeadLetterReason, mq.HeaderOriginalTopic, mq.HeaderDeadLetteredAt:
			continue
		}
		message.SetHeader(k, v)
	}
	return message
}

// DeadLetterArchive stores dead-lettered payloads in object storage.
type DeadLetterArchive struct {
	storage storage.ObjectStorage
	bucket  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

// NewDeadLetterArchive creates an archive writing to bucket.
func NewDeadLetterArchive(objectStorage storage.ObjectStorage, bucket string) (*DeadLetterArchive, error) {
	if objectStorage == nil {
		return nil, appErr.New(appErr.StorageError).WithMessage("object storage is not configured")
	}
	if bucket == "" {
		return nil, appErr.ValidationError("bucket", "required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create zstd encoder failed")
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArchivedObject))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "create zstd decoder failed")
	}
	return &DeadLetterArchive{
		storage: objectStorage,
		bucket:  bucket,
		encoder: encoder,
		decoder: decoder,
		now:     time.Now,
	}, nil
}

// Archive compresses message and uploads it under dead-letters/YYYY/MM/DD/<message-id>.json.zst.
func (a *DeadLetterArchive) Archive(ctx context.Context, message *mq.Message) (string, error) {
	if message == nil {
		return "", appErr.ValidationError("message", "required")
	}
	now := a.now().UTC()
	id := message.ID
	if id == "" {
		id = uuid.NewString()
	}
	record := DeadLetterRecord{
		MessageID:   id,
		RetryCount:  message.RetryCount,
		Headers:     message.Headers,
		Body:        message.Body,
		PublishedAt: message.Timestamp,
		ArchivedAt:  now,
	}
	record.OriginalTopic, _ = message.GetHeader(mq.HeaderOriginalTopic)
	record.Reason, _ = message.GetHeader(mq.HeaderDeadLetterReason)

	payload, err := json.Marshal(record)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.EncodeFailed, "encode dead letter failed")
	}
	compressed := a.encoder.EncodeAll(payload, nil)
	key := DeadLetterKey(now, id)
	opts := storage.PutOptions{
		ContentType: deadLetterContentType,
		Metadata: map[string]string{
			"message-id":     id,
			"original-topic": record.OriginalTopic,
		},
	}
	if err := a.storage.PutObject(ctx, a.bucket, key, compressed, opts); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "upload dead letter failed")
	}
	return key, nil
}

// List returns archived keys for one UTC day, sorted.
func (a *DeadLetterArchive) List(ctx context.Context, day time.Time) ([]string, error) {
	prefix := DayPrefix(day)
	keys := make([]string, 0)
	for info := range a.storage.ListObjects(ctx, a.bucket, prefix) {
		if info.Err != nil {
			return nil, appErr.Wrapf(info.Err, appErr.StorageError, "list dead letters failed")
		}
		if strings.HasSuffix(info.Key, deadLetterExt) {
			keys = append(keys, info.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Load downloads and decodes one archived record.
func (a *DeadLetterArchive) Load(ctx context.Context, key string) (DeadLetterRecord, error) {
	reader, err := a.storage.GetObject(ctx, a.bucket, key)
	if err != nil {
		return DeadLetterRecord{}, appErr.Wrapf(err, appErr.StorageError, "open dead letter failed")
	}
	defer reader.Close()
	compressed, err := io.ReadAll(io.LimitReader(reader, maxArchivedObject))
	if err != nil {
		return DeadLetterRecord{}, appErr.Wrapf(err, appErr.StorageError, "read dead letter failed")
	}
	payload, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return DeadLetterRecord{}, appErr.Wrapf(err, appErr.DecodeFailed, "decompress dead letter failed")
	}
	var record DeadLetterRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return DeadLetterRecord{}, appErr.Wrapf(err, appErr.DecodeFailed, "decode dead letter failed")
	}
	return record, nil
}

// DayPrefix is the object prefix of one UTC day.
func DayPrefix(day time.Time) string {
	return path.Join(deadLetterPrefix, day.UTC().Format("2006/01/02")) + "/"
}

// DeadLetterKey is the object key of a record archived at ts.
func DeadLetterKey(ts time.Time, messageID string) string {
	return DayPrefix(ts) + sanitizeKey(messageID) + deadLetterExt
}

func sanitizeKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
