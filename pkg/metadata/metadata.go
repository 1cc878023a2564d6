// Package metadata provides a SQLite-backed store for image cache records.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JErazo7/firebase-image-1/internal/metrics"
)

// namespace is the fixed directory segment under the platform temp
// directory used when no explicit cache directory is configured.
const namespace = "firebase-image"

// dbFileName is the metadata database file inside the cache directory.
const dbFileName = "images.db"

// ErrDuplicateKey is returned by Insert when a record for the URI already exists.
var ErrDuplicateKey = errors.New("metadata: duplicate key")

// Record is the persisted state for one cached remote object.
// URI is the primary key and immutable once created.
type Record struct {
	URI        string
	RemotePath string
	LocalPath  string // empty until the first successful fetch
	Bucket     string
	// Version is the remote's last-modified stamp in Unix milliseconds.
	// nil means no stamp has been recorded yet.
	Version *int64
}

// Store is a SQLite metadata store. The rest of the system persists
// records exclusively through Upsert.
type Store struct {
	db  *sql.DB
	dir string
}

// DefaultDir returns the cache directory used when none is configured.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), namespace)
}

// Open opens (creating if needed) the metadata store under dir.
// An empty dir selects DefaultDir. Open is idempotent with respect to
// the schema: the images table is created only if absent.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dsn := filepath.Join(dir, dbFileName) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent refreshes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS images (
		uri        TEXT PRIMARY KEY,
		remotePath TEXT,
		localPath  TEXT,
		bucket     TEXT,
		version    INTEGER
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create images table: %w", err)
	}

	return &Store{db: db, dir: dir}, nil
}

// Dir returns the cache directory the store was opened under.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert adds a new record. It returns ErrDuplicateKey if a record for
// the URI already exists.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (uri, remotePath, localPath, bucket, version)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.URI, rec.RemotePath, nullString(rec.LocalPath), nullString(rec.Bucket), nullInt64(rec.Version))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("insert %s: %w", rec.URI, ErrDuplicateKey)
		}
		return fmt.Errorf("insert %s: %w", rec.URI, err)
	}
	return nil
}

// Update overwrites all fields of the record matching rec.URI.
// Updating an absent URI affects zero rows and is not an error.
func (s *Store) Update(ctx context.Context, rec Record) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`UPDATE images SET remotePath = ?, localPath = ?, bucket = ?, version = ?
		 WHERE uri = ?`,
		rec.RemotePath, nullString(rec.LocalPath), nullString(rec.Bucket), nullInt64(rec.Version), rec.URI)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.URI, err)
	}
	return nil
}

// Exists reports whether a record for uri is present.
func (s *Store) Exists(ctx context.Context, uri string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("exists", time.Since(start)) }()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM images WHERE uri = ?`, uri).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", uri, err)
	}
	return true, nil
}

// Upsert inserts the record or overwrites the existing one for rec.URI.
// It is a single atomic statement, so concurrent upserts for the same
// key resolve to last-writer-wins without a check-then-act window.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("upsert", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (uri, remotePath, localPath, bucket, version)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(uri) DO UPDATE SET
		   remotePath = excluded.remotePath,
		   localPath  = excluded.localPath,
		   bucket     = excluded.bucket,
		   version    = excluded.version`,
		rec.URI, rec.RemotePath, nullString(rec.LocalPath), nullString(rec.Bucket), nullInt64(rec.Version))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.URI, err)
	}
	return nil
}

// Get returns the record for uri, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, uri string) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT uri, remotePath, localPath, bucket, version FROM images WHERE uri = ?`, uri)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	return rec, nil
}

// ListAll returns every record in unspecified order.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_all", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT uri, remotePath, localPath, bucket, version FROM images`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return recs, nil
}

// Delete removes the record for uri if present and returns the number
// of rows removed (0 or 1).
func (s *Store) Delete(ctx context.Context, uri string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE uri = ?`, uri)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", uri, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var rec Record
	var localPath, bucket sql.NullString
	var version sql.NullInt64
	if err := scan(&rec.URI, &rec.RemotePath, &localPath, &bucket, &version); err != nil {
		return nil, err
	}
	rec.LocalPath = localPath.String
	rec.Bucket = bucket.String
	if version.Valid {
		v := version.Int64
		rec.Version = &v
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
