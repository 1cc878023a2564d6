package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JErazo7/firebase-image-1/pkg/remote"
	"github.com/JErazo7/firebase-image-1/pkg/retry"
)

// fakeRemote is a scriptable remote.Client. Tests tweak fields between
// lookups; all access is mutex-guarded because background refreshes run
// on their own goroutines.
type fakeRemote struct {
	mu            sync.Mutex
	version       int64
	data          []byte
	metaErr       error
	bytesErr      error
	bytesFailures int // fail this many FetchBytes calls, then succeed
	metaCalls     int
	bytesCalls    int

	// metadataFn, when set, replaces the default FetchMetadata behavior.
	metadataFn func(ctx context.Context) (int64, error)
}

func (f *fakeRemote) FetchMetadata(ctx context.Context, bucket, remotePath string) (int64, error) {
	f.mu.Lock()
	f.metaCalls++
	fn := f.metadataFn
	err := f.metaErr
	v := f.version
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (f *fakeRemote) FetchBytes(ctx context.Context, bucket, remotePath string, maxSize int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytesCalls++
	if f.bytesFailures > 0 {
		f.bytesFailures--
		return nil, remote.ErrUnavailable
	}
	if f.bytesErr != nil {
		return nil, f.bytesErr
	}
	if int64(len(f.data)) > maxSize {
		return nil, remote.ErrSizeExceeded
	}
	return append([]byte(nil), f.data...), nil
}

func (f *fakeRemote) calls() (meta, bytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls, f.bytesCalls
}

func (f *fakeRemote) set(fn func(*fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestCache(t *testing.T, fr *fakeRemote, cfg Config) *Cache {
	t.Helper()
	cfg.Dir = t.TempDir()
	c, err := Open(fr, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

var pngHeader = []byte{0x89, 0x50, 0x4e, 0x47}

func TestLookup_MissFetchesAndPersists(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})
	ctx := context.Background()

	entry, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	rec := entry.Record
	if rec.URI != "img/logo.png" || rec.Bucket != "b1" || rec.RemotePath != "img/logo.png" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Version == nil || *rec.Version != 1000 {
		t.Errorf("version = %v, want 1000", rec.Version)
	}
	if rec.LocalPath == "" || !strings.HasSuffix(rec.LocalPath, "logo.png") {
		t.Errorf("localPath = %q", rec.LocalPath)
	}

	data, ok, err := entry.Bytes()
	if err != nil || !ok {
		t.Fatalf("Bytes: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(data, pngHeader) {
		t.Errorf("bytes = %v, want %v", data, pngHeader)
	}

	// The file on disk matches what was fetched.
	disk, err := os.ReadFile(rec.LocalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(disk, pngHeader) {
		t.Errorf("disk = %v, want %v", disk, pngHeader)
	}

	meta, byt := fr.calls()
	if meta != 1 || byt != 1 {
		t.Errorf("remote calls = (%d meta, %d bytes), want (1, 1)", meta, byt)
	}
}

func TestLookup_FreshnessShortCircuit(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("first Lookup: %v", err)
	}

	// Remote stamp unchanged: the hit's background check must not
	// download bytes again.
	entry, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	c.bg.Wait()

	if entry.Record.Version == nil || *entry.Record.Version != 1000 {
		t.Errorf("version = %v, want 1000", entry.Record.Version)
	}
	meta, byt := fr.calls()
	if byt != 1 {
		t.Errorf("bytes fetched %d times, want 1", byt)
	}
	if meta != 2 {
		t.Errorf("metadata fetched %d times, want 2", meta)
	}
}

func TestLookup_StaleTriggersRefresh(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})
	ctx := context.Background()

	first, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
	if err != nil {
		t.Fatalf("first Lookup: %v", err)
	}

	updated := []byte("updated content")
	fr.set(func(f *fakeRemote) {
		f.version = 2000
		f.data = updated
	})

	// The hit still serves the pre-refresh record.
	entry, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	if *entry.Record.Version != 1000 {
		t.Errorf("hit served version %d, want pre-refresh 1000", *entry.Record.Version)
	}
	c.bg.Wait()

	// The background refresh replaced record and file.
	rec, err := c.meta.Get(ctx, "img/logo.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Version == nil || *rec.Version != 2000 {
		t.Errorf("refreshed version = %v, want 2000", rec.Version)
	}
	disk, err := os.ReadFile(first.Record.LocalPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(disk, updated) {
		t.Errorf("disk = %q, want %q", disk, updated)
	}

	_, byt := fr.calls()
	if byt != 2 {
		t.Errorf("bytes fetched %d times, want 2", byt)
	}
}

func TestLookup_CacheFirstNeverRechecks(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: CacheFirst})
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	entry, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	c.bg.Wait()

	// CacheFirst never contacts the remote once a record exists, and
	// its fetch path records no version stamp.
	meta, byt := fr.calls()
	if meta != 0 {
		t.Errorf("metadata fetched %d times, want 0", meta)
	}
	if byt != 1 {
		t.Errorf("bytes fetched %d times, want 1", byt)
	}
	if entry.Record.Version != nil {
		t.Errorf("version = %d, want nil under CacheFirst", *entry.Record.Version)
	}

	data, ok, err := entry.Bytes()
	if err != nil || !ok {
		t.Fatalf("Bytes: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(data, pngHeader) {
		t.Errorf("bytes = %v, want %v", data, pngHeader)
	}
}

func TestLookup_BackgroundStallDoesNotBlock(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{
		Strategy:        ByMetadataDate,
		MetadataTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("seed Lookup: %v", err)
	}

	// Stall every metadata fetch until its deadline, as a wedged remote
	// would.
	fr.set(func(f *fakeRemote) {
		f.metadataFn = func(ctx context.Context) (int64, error) {
			<-ctx.Done()
			return 0, remote.ErrTimeout
		}
		f.bytesErr = remote.ErrUnavailable
	})

	start := time.Now()
	entry, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Lookup blocked for %v on a stalled background check", elapsed)
	}
	if entry.Record.Version == nil || *entry.Record.Version != 1000 {
		t.Errorf("served version %v, want pre-refresh 1000", entry.Record.Version)
	}
	c.bg.Wait()

	// Timeout means assume-stale; the refresh attempt failed and the
	// cached record survived untouched.
	rec, err := c.meta.Get(ctx, "img/logo.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Version == nil || *rec.Version != 1000 {
		t.Errorf("record version = %v, want 1000", rec.Version)
	}
}

func TestLookup_TimeoutAssumesStale(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("seed Lookup: %v", err)
	}

	// First check times out, the refresh's own metadata fetch succeeds
	// with a newer stamp.
	timedOut := false
	fr.set(func(f *fakeRemote) {
		f.data = []byte("after timeout")
		f.metadataFn = func(ctx context.Context) (int64, error) {
			if !timedOut {
				timedOut = true
				return 0, remote.ErrTimeout
			}
			return 2000, nil
		}
	})

	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	c.bg.Wait()

	rec, err := c.meta.Get(ctx, "img/logo.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Version == nil || *rec.Version != 2000 {
		t.Errorf("version = %v, want 2000 after assumed-stale refresh", rec.Version)
	}
}

func TestLookup_MissErrorPropagates(t *testing.T) {
	fr := &fakeRemote{metaErr: remote.ErrNotFound}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})
	ctx := context.Background()

	_, err := c.Lookup(ctx, "img/missing.png", "b1", 0)
	if !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Lookup error = %v, want ErrNotFound", err)
	}

	// Nothing was persisted for the failed miss.
	rec, err := c.meta.Get(ctx, "img/missing.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Errorf("record persisted after failed fetch: %+v", rec)
	}
}

func TestLookup_BackgroundFailureKeepsServing(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("seed Lookup: %v", err)
	}

	fr.set(func(f *fakeRemote) { f.metaErr = remote.ErrUnavailable })

	entry, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
	if err != nil {
		t.Fatalf("Lookup on hit: %v", err)
	}
	c.bg.Wait()

	data, ok, err := entry.Bytes()
	if err != nil || !ok {
		t.Fatalf("Bytes: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(data, pngHeader) {
		t.Errorf("bytes = %v, want cached %v", data, pngHeader)
	}

	_, byt := fr.calls()
	if byt != 1 {
		t.Errorf("bytes fetched %d times, want 1", byt)
	}
}

func TestLookup_RefreshRetries(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{
		Strategy: ByMetadataDate,
		RefreshRetry: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2.0,
		},
	})
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("seed Lookup: %v", err)
	}

	// New version, but the first byte fetch of the refresh fails with a
	// retryable error.
	fr.set(func(f *fakeRemote) {
		f.version = 2000
		f.data = []byte("retried")
		f.bytesFailures = 1
	})

	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	c.bg.Wait()

	rec, err := c.meta.Get(ctx, "img/logo.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Version == nil || *rec.Version != 2000 {
		t.Errorf("version = %v, want 2000 after retried refresh", rec.Version)
	}
}

func TestEvict_ThenMiss(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})
	ctx := context.Background()

	entry, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	localPath := entry.Record.LocalPath

	if err := c.Evict(ctx, "img/logo.png"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, err := os.Stat(localPath); !os.IsNotExist(err) {
		t.Error("local file still exists after Evict")
	}
	rec, err := c.meta.Get(ctx, "img/logo.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Errorf("record still present after Evict: %+v", rec)
	}

	// Evicting an absent key is a no-op.
	if err := c.Evict(ctx, "img/logo.png"); err != nil {
		t.Fatalf("second Evict: %v", err)
	}

	// The next lookup takes the miss path and fetches again.
	if _, err := c.Lookup(ctx, "img/logo.png", "b1", 0); err != nil {
		t.Fatalf("Lookup after Evict: %v", err)
	}
	_, byt := fr.calls()
	if byt != 2 {
		t.Errorf("bytes fetched %d times, want 2", byt)
	}
}

func TestLookup_ConcurrentMissesShareFetch(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := c.Lookup(ctx, "img/logo.png", "b1", 0)
			if err == nil {
				if data, ok, berr := entry.Bytes(); berr != nil || !ok || !bytes.Equal(data, pngHeader) {
					err = errors.New("wrong bytes")
				}
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	c.bg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("lookup %d: %v", i, err)
		}
	}

	// Concurrent misses collapse into (almost always) one fetch; allow
	// one extra in case a flight completes before a latecomer joins.
	_, byt := fr.calls()
	if byt > 2 {
		t.Errorf("bytes fetched %d times, want <= 2", byt)
	}
}

func TestLookup_SizeExceeded(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: []byte("0123456789")}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})

	_, err := c.Lookup(context.Background(), "img/big.png", "b1", 4)
	if !errors.Is(err, remote.ErrSizeExceeded) {
		t.Errorf("Lookup error = %v, want ErrSizeExceeded", err)
	}
}

func TestLookup_GsURI(t *testing.T) {
	fr := &fakeRemote{version: 1000, data: pngHeader}
	c := newTestCache(t, fr, Config{Strategy: ByMetadataDate})

	entry, err := c.Lookup(context.Background(), "gs://b2/img/pic.png", "", 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.Record.Bucket != "b2" || entry.Record.RemotePath != "img/pic.png" {
		t.Errorf("record = %+v, want bucket b2 path img/pic.png", entry.Record)
	}
}
