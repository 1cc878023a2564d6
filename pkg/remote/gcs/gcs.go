// Package gcs implements the remote client against Firebase Storage
// buckets, which are served by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JErazo7/firebase-image-1/internal/metrics"
	"github.com/JErazo7/firebase-image-1/pkg/logging"
	"github.com/JErazo7/firebase-image-1/pkg/remote"
)

// Client is a remote.Client backed by Google Cloud Storage.
type Client struct {
	gcs *storage.Client
}

var _ remote.Client = (*Client)(nil)

// New creates a GCS-backed remote client. Credentials are resolved the
// usual way (application default credentials) unless overridden via opts.
func New(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	gcs, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Client{gcs: gcs}, nil
}

// FetchMetadata returns the object's last-modified time in Unix milliseconds.
func (c *Client) FetchMetadata(ctx context.Context, bucket, remotePath string) (int64, error) {
	start := time.Now()

	attrs, err := c.gcs.Bucket(bucket).Object(remotePath).Attrs(ctx)
	if err != nil {
		metrics.RecordRemoteOperation("get_metadata", time.Since(start), false)
		return 0, fmt.Errorf("attrs %s/%s: %w", bucket, remotePath, mapError(err))
	}

	metrics.RecordRemoteOperation("get_metadata", time.Since(start), true)
	return attrs.Updated.UnixMilli(), nil
}

// FetchBytes downloads the object's content, failing with
// remote.ErrSizeExceeded if it is larger than maxSize.
func (c *Client) FetchBytes(ctx context.Context, bucket, remotePath string, maxSize int64) ([]byte, error) {
	start := time.Now()

	r, err := c.gcs.Bucket(bucket).Object(remotePath).NewReader(ctx)
	if err != nil {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("open %s/%s: %w", bucket, remotePath, mapError(err))
	}
	defer r.Close()

	if r.Attrs.Size > maxSize {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("object %s/%s is %d bytes: %w",
			bucket, remotePath, r.Attrs.Size, remote.ErrSizeExceeded)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("read %s/%s: %w", bucket, remotePath, mapError(err))
	}
	if int64(len(data)) > maxSize {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("object %s/%s: %w", bucket, remotePath, remote.ErrSizeExceeded)
	}

	metrics.RecordRemoteOperation("get_object", time.Since(start), true)
	metrics.RecordBytesFetched(len(data))

	logging.Debug("GCS get object",
		zap.String("bucket", bucket),
		zap.String("path", remotePath),
		zap.Int("size", len(data)))

	return data, nil
}

// Close releases the underlying storage client.
func (c *Client) Close() error {
	return c.gcs.Close()
}

func mapError(err error) error {
	switch {
	case errors.Is(err, storage.ErrObjectNotExist), errors.Is(err, storage.ErrBucketNotExist):
		return remote.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return remote.ErrTimeout
	default:
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
}
