// Package cache is the content-keyed persistent store for digests and
// raw enrichment payloads. Records are keyed by the SHA-256 of the
// hashable payload; digest equality implies payload equality, so no
// other key is needed.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no row exists for the requested key.
var ErrNotFound = errors.New("cache: not found")

const writeAttempts = 3

// Row is one persisted checksum record.
type Row struct {
	SHA256    string
	Source    string
	Size      int64
	CRC32     string
	MD5       string
	SHA1      string
	UpdatedAt int64
}

// Store wraps the SQLite cache database. Concurrent readers are
// permitted; writers are serialized by mu.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log *slog.Logger
}

// Open opens (creating if necessary) the cache database at path and
// applies pending migrations. Outside cache-only mode callers treat
// failure as non-fatal and degrade to no-cache mode; in cache-only mode
// it is a configuration error.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	// Writes are serialized by the Store mutex; a small pool serves
	// concurrent readers.
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cache database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying cache migrations: %w", err)
	}

	return &Store{
		db:  db,
		log: slog.Default().With("component", "cache"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetChecksums returns the checksum row for the given SHA-256 key, or
// ErrNotFound.
func (s *Store) GetChecksums(ctx context.Context, sha256 string) (*Row, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, source, size, COALESCE(crc32, ''), COALESCE(md5, ''), COALESCE(sha1, ''), updated_at
		 FROM checksums WHERE key = ?`, sha256)

	var r Row
	err := row.Scan(&r.SHA256, &r.Source, &r.Size, &r.CRC32, &r.MD5, &r.SHA1, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading checksum row: %w", err)
	}
	return &r, nil
}

// PutChecksums upserts a checksum row. updated_at advances
// monotonically even when the wall clock steps backwards. Transient
// write failures are retried with jittered backoff.
func (s *Store) PutChecksums(ctx context.Context, r Row) error {
	if r.SHA256 == "" {
		return errors.New("cache: checksum row requires sha256 key")
	}
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checksums (key, source, size, crc32, md5, sha1, sha256, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
				source = excluded.source,
				size = excluded.size,
				crc32 = excluded.crc32,
				md5 = excluded.md5,
				sha1 = excluded.sha1,
				updated_at = MAX(excluded.updated_at, checksums.updated_at + 1)`,
			r.SHA256, r.Source, r.Size,
			nullable(r.CRC32), nullable(r.MD5), nullable(r.SHA1),
			r.SHA256, time.Now().Unix())
		return err
	})
}

// GetEnrichment returns the raw payload cached for (sha256, source),
// or ErrNotFound.
func (s *Store) GetEnrichment(ctx context.Context, sha256, source string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM enrichment WHERE key = ? AND source = ?`, sha256, source)

	var payload []byte
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading enrichment row: %w", err)
	}
	return payload, nil
}

// PutEnrichment upserts a raw enrichment payload for (sha256, source).
func (s *Store) PutEnrichment(ctx context.Context, sha256, source string, payload []byte) error {
	if sha256 == "" || source == "" {
		return errors.New("cache: enrichment row requires key and source")
	}
	return s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO enrichment (key, source, payload, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(key, source) DO UPDATE SET
				payload = excluded.payload,
				updated_at = MAX(excluded.updated_at, enrichment.updated_at + 1)`,
			sha256, source, payload, time.Now().Unix())
		return err
	})
}

func (s *Store) write(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(writeAttempts),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.RandomDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.log.Warn("cache write failed", "error", err)
		return fmt.Errorf("writing cache row: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
