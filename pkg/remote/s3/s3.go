// Package s3 implements the remote client against S3-compatible object
// stores (AWS S3, MinIO).
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/JErazo7/firebase-image-1/internal/metrics"
	"github.com/JErazo7/firebase-image-1/pkg/logging"
	"github.com/JErazo7/firebase-image-1/pkg/remote"
)

// Config holds S3 connection settings. It is JSON-serializable so hosts
// can persist it alongside their own configuration.
type Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// Client is a remote.Client backed by an S3-compatible store. The bucket
// is supplied per call, matching the cache record's bucket field.
type Client struct {
	s3 *s3.Client
}

var _ remote.Client = (*Client)(nil)

// New creates an S3-backed remote client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if cfg.Endpoint == "" {
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			}
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Client{s3: client}, nil
}

// NewFromJSON creates a Client from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Client, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

// FetchMetadata returns the object's last-modified time in Unix milliseconds.
func (c *Client) FetchMetadata(ctx context.Context, bucket, remotePath string) (int64, error) {
	start := time.Now()

	head, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		metrics.RecordRemoteOperation("head_object", time.Since(start), false)
		return 0, fmt.Errorf("head object %s/%s: %w", bucket, remotePath, mapError(err))
	}

	metrics.RecordRemoteOperation("head_object", time.Since(start), true)

	if head.LastModified == nil {
		return 0, fmt.Errorf("head object %s/%s: no last-modified: %w",
			bucket, remotePath, remote.ErrUnavailable)
	}
	return head.LastModified.UnixMilli(), nil
}

// FetchBytes downloads the object's content, failing with
// remote.ErrSizeExceeded if it is larger than maxSize.
func (c *Client) FetchBytes(ctx context.Context, bucket, remotePath string, maxSize int64) ([]byte, error) {
	start := time.Now()

	result, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, remotePath, mapError(err))
	}
	defer result.Body.Close()

	if result.ContentLength != nil && *result.ContentLength > maxSize {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("object %s/%s is %d bytes: %w",
			bucket, remotePath, *result.ContentLength, remote.ErrSizeExceeded)
	}

	data, err := io.ReadAll(io.LimitReader(result.Body, maxSize+1))
	if err != nil {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, remotePath, mapError(err))
	}
	if int64(len(data)) > maxSize {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, fmt.Errorf("object %s/%s: %w", bucket, remotePath, remote.ErrSizeExceeded)
	}

	metrics.RecordRemoteOperation("get_object", time.Since(start), true)
	metrics.RecordBytesFetched(len(data))

	logging.Debug("S3 get object",
		zap.String("bucket", bucket),
		zap.String("key", remotePath),
		zap.Int("size", len(data)))

	return data, nil
}

func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return remote.ErrTimeout
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return remote.ErrNotFound
		}
	}
	return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
}
