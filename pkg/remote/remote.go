// Package remote defines the client boundary to the remote object store.
//
// The cache coordinator consumes this interface; implementations live in
// the gcs and s3 subpackages. Implementations map provider errors onto
// the sentinel errors below so callers can branch without knowing the
// backend.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the remote object does not exist.
	ErrNotFound = errors.New("remote: object not found")

	// ErrUnavailable indicates the remote store could not be reached or
	// failed in a way other than the errors below.
	ErrUnavailable = errors.New("remote: unavailable")

	// ErrTimeout indicates the operation exceeded its deadline.
	ErrTimeout = errors.New("remote: timeout")

	// ErrSizeExceeded indicates the object is larger than the caller's
	// maximum size.
	ErrSizeExceeded = errors.New("remote: object exceeds size limit")
)

// Client resolves (bucket, remotePath) pairs against a remote object store.
type Client interface {
	// FetchMetadata returns the object's version stamp: its last-modified
	// time in Unix milliseconds. The stamp is compared for equality only.
	FetchMetadata(ctx context.Context, bucket, remotePath string) (int64, error)

	// FetchBytes returns the object's content. Objects larger than
	// maxSize fail with ErrSizeExceeded.
	FetchBytes(ctx context.Context, bucket, remotePath string, maxSize int64) ([]byte, error)
}
