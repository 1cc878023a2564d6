// Package cache coordinates the metadata store, the local file store and
// the remote object client into a version-aware local cache.
//
// A lookup serves the cached record immediately when one exists; any
// freshness check against the remote runs as a detached background task
// whose failures are logged, never surfaced to the lookup caller. Only a
// miss fetches synchronously, since there is no cached copy to fall back
// on.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JErazo7/firebase-image-1/internal/metrics"
	"github.com/JErazo7/firebase-image-1/pkg/filestore"
	"github.com/JErazo7/firebase-image-1/pkg/logging"
	"github.com/JErazo7/firebase-image-1/pkg/metadata"
	"github.com/JErazo7/firebase-image-1/pkg/remote"
	"github.com/JErazo7/firebase-image-1/pkg/retry"
)

const (
	// DefaultMaxSizeBytes bounds object downloads when a lookup passes 0.
	DefaultMaxSizeBytes = 2500 * 1000 // 2.5 MB

	// DefaultMetadataTimeout bounds remote metadata fetches.
	DefaultMetadataTimeout = 5 * time.Second
)

// Config holds cache configuration. The zero value is usable: records
// and files go under metadata.DefaultDir, freshness is checked by
// metadata date, and background refreshes are not retried.
type Config struct {
	// Dir is the cache root; empty selects metadata.DefaultDir().
	Dir string

	// Strategy selects how freshness is determined.
	Strategy RefreshStrategy

	// MaxSizeBytes is the download limit applied when Lookup is called
	// with maxSize <= 0.
	MaxSizeBytes int64

	// MetadataTimeout bounds remote metadata fetches. A check that times
	// out treats the record as stale.
	MetadataTimeout time.Duration

	// RefreshRetry controls retries of failed background refreshes.
	// The zero value means a single attempt, matching the behavior of
	// trying again only on the next lookup.
	RefreshRetry retry.Config
}

// Cache is the coordinator. It owns the only write path to cache
// records: every mutation goes through fetchAndPersist's upsert.
type Cache struct {
	meta   *metadata.Store
	files  *filestore.Store
	remote remote.Client
	cfg    Config

	// group serializes fetches per URI so concurrent refreshes of the
	// same key collapse into one remote fetch and one file write.
	group singleflight.Group

	// bg tracks detached freshness checks. Close does not wait for
	// them; an in-flight refresh at shutdown is discarded.
	bg sync.WaitGroup
}

// Open opens the metadata store and file store under cfg.Dir and
// returns a coordinator using client for remote access. Close releases
// the store; a closed cache cannot be reopened.
func Open(client remote.Client, cfg Config) (*Cache, error) {
	if client == nil {
		return nil, errors.New("cache: remote client is nil")
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = DefaultMetadataTimeout
	}
	if cfg.RefreshRetry == (retry.Config{}) {
		cfg.RefreshRetry = retry.Single()
	}

	meta, err := metadata.Open(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	files, err := filestore.New(meta.Dir())
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("open file store: %w", err)
	}

	return &Cache{
		meta:   meta,
		files:  files,
		remote: client,
		cfg:    cfg,
	}, nil
}

// Close releases the metadata store. Background refreshes still in
// flight lose their result.
func (c *Cache) Close() error {
	return c.meta.Close()
}

// Lookup resolves uri to a cache entry. On a miss the object is fetched,
// persisted and recorded before returning; fetch failures propagate. On
// a hit the cached entry is returned immediately and, under
// ByMetadataDate, a detached freshness check may refresh the record for
// subsequent lookups. maxSize <= 0 selects the configured default.
func (c *Cache) Lookup(ctx context.Context, uri, bucketHint string, maxSize int64) (*Entry, error) {
	if maxSize <= 0 {
		maxSize = c.cfg.MaxSizeBytes
	}
	bucket, remotePath, err := SplitURI(uri, bucketHint)
	if err != nil {
		return nil, err
	}

	rec, err := c.meta.Get(ctx, uri)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		metrics.RecordLookup("miss")
		res, err := c.fetchShared(ctx, metadata.Record{
			URI:        uri,
			RemotePath: remotePath,
			Bucket:     bucket,
		}, maxSize, false)
		if err != nil {
			return nil, err
		}
		return &Entry{Record: res.rec, files: c.files, data: res.data}, nil
	}

	metrics.RecordLookup("hit")

	if c.cfg.Strategy == ByMetadataDate {
		snapshot := *rec
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.checkForUpdate(snapshot, maxSize)
		}()
	}

	return &Entry{Record: *rec, files: c.files}, nil
}

// Evict removes the record for uri and best-effort deletes its local
// file. A subsequent lookup takes the miss path.
func (c *Cache) Evict(ctx context.Context, uri string) error {
	rec, err := c.meta.Get(ctx, uri)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if _, err := c.meta.Delete(ctx, uri); err != nil {
		return err
	}
	if rec.LocalPath != "" {
		os.Remove(rec.LocalPath)
	}
	return nil
}

// ListAll returns every cached record.
func (c *Cache) ListAll(ctx context.Context) ([]metadata.Record, error) {
	return c.meta.ListAll(ctx)
}

type fetchResult struct {
	rec  metadata.Record
	data []byte
}

// fetchShared funnels all fetches for a URI through one flight. Unless
// force is set, a record persisted by a concurrent flight is reused
// instead of fetching again.
func (c *Cache) fetchShared(ctx context.Context, rec metadata.Record, maxSize int64, force bool) (fetchResult, error) {
	v, err, _ := c.group.Do(rec.URI, func() (any, error) {
		if !force {
			existing, err := c.meta.Get(ctx, rec.URI)
			if err != nil {
				return nil, err
			}
			if existing != nil && c.files.Exists(existing.LocalPath) {
				return fetchResult{rec: *existing}, nil
			}
		}
		return c.fetchAndPersist(ctx, rec, maxSize)
	})
	if err != nil {
		return fetchResult{}, err
	}
	return v.(fetchResult), nil
}

// fetchAndPersist downloads the object and writes the (record, file)
// pair: stamp fetch (ByMetadataDate only), byte fetch, file write, then
// the atomic upsert. All record fields are set from this one fetch, so
// a racing overwrite still leaves a self-consistent record.
func (c *Cache) fetchAndPersist(ctx context.Context, rec metadata.Record, maxSize int64) (fetchResult, error) {
	if c.cfg.Strategy == ByMetadataDate {
		mctx, cancel := context.WithTimeout(ctx, c.cfg.MetadataTimeout)
		version, err := c.remote.FetchMetadata(mctx, rec.Bucket, rec.RemotePath)
		cancel()
		if err != nil {
			return fetchResult{}, fmt.Errorf("fetch metadata: %w", err)
		}
		rec.Version = &version
	}

	data, err := c.remote.FetchBytes(ctx, rec.Bucket, rec.RemotePath, maxSize)
	if err != nil {
		return fetchResult{}, fmt.Errorf("fetch bytes: %w", err)
	}

	localPath, err := c.files.Write(rec.RemotePath, data)
	if err != nil {
		return fetchResult{}, fmt.Errorf("persist bytes: %w", err)
	}
	rec.LocalPath = localPath

	if err := c.meta.Upsert(ctx, rec); err != nil {
		return fetchResult{}, fmt.Errorf("upsert record: %w", err)
	}

	logging.Debug("record persisted",
		zap.String("uri", rec.URI),
		zap.String("local_path", rec.LocalPath),
		zap.Int("size", len(data)))

	return fetchResult{rec: rec, data: data}, nil
}

// checkForUpdate is the detached freshness check spawned on a hit. It
// never propagates errors: the already-returned cached record stays
// valid, and failures surface through logs and metrics only.
func (c *Cache) checkForUpdate(rec metadata.Record, maxSize int64) {
	ctx := context.Background()

	mctx, cancel := context.WithTimeout(ctx, c.cfg.MetadataTimeout)
	version, err := c.remote.FetchMetadata(mctx, rec.Bucket, rec.RemotePath)
	cancel()

	switch {
	case err == nil:
		if rec.Version != nil && *rec.Version == version {
			metrics.RecordRefresh("fresh")
			return
		}
	case errors.Is(err, remote.ErrTimeout):
		// The stamp could not be compared in time; assume stale.
		logging.Warn("metadata check timed out, assuming stale",
			zap.String("uri", rec.URI))
	default:
		metrics.RecordRefresh("failed")
		logging.Warn("freshness check failed",
			zap.String("uri", rec.URI), zap.Error(err))
		return
	}

	err = retry.Do(ctx, c.cfg.RefreshRetry, func() error {
		_, err := c.fetchShared(ctx, rec, maxSize, true)
		return markRetryable(err)
	})
	if err != nil {
		metrics.RecordRefresh("failed")
		logging.Warn("background refresh failed",
			zap.String("uri", rec.URI), zap.Error(err))
		return
	}

	metrics.RecordRefresh("refreshed")
	logging.Debug("record refreshed", zap.String("uri", rec.URI))
}

func markRetryable(err error) error {
	if errors.Is(err, remote.ErrUnavailable) || errors.Is(err, remote.ErrTimeout) {
		return retry.Retryable(err)
	}
	return err
}
