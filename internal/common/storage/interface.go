package storage

import (
	"context"
	"io"
)

// ObjectStorage is the blob store behind the dead-letter archive.
type ObjectStorage interface {
	// PutObject uploads body under objectKey.
	PutObject(ctx context.Context, bucket, objectKey string, body []byte, opts PutOptions) error

	// GetObject opens a reader for an object. Caller must close it.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// ListObjects streams keys under prefix. Errors arrive as ObjectInfo.Err.
	ListObjects(ctx context.Context, bucket, prefix string) <-chan ObjectInfo
}

// PutOptions carries per-object attributes.
type PutOptions struct {
	ContentType string
	// Metadata is stored as user metadata and returned in listings.
	Metadata map[string]string
}

// ObjectInfo is one listing entry.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	Metadata  map[string]string
	Err       error
}
