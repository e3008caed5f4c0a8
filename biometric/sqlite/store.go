// Package sqlite is a biometric.Store on SQLite. Feature and template blobs
// are zstd compressed at rest.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/c360/termstream/biometric"
	"github.com/c360/termstream/errors"
)

// pragmas are applied to every connection
const pragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

// DSN turns a database path into a modernc DSN with the standard pragmas.
// Values already starting with "file:" are used as given.
func DSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return fmt.Sprintf("file:%s?%s", path, pragmas)
}

// readDSN is dsn for the reader pool. Readers never write, and under WAL they
// do not wait for the writer.
func readDSN(dsn string) string {
	full := DSN(dsn)
	sep := "&"
	if !strings.Contains(full, "?") {
		sep = "?"
	}
	return full + sep + "_pragma=query_only(1)"
}

// DefaultReaders sizes the reader pool
const DefaultReaders = 8

// MemoryDSN names a private in-memory database
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, pragmas)
}

// Store keeps templates in SQLite. Writes go through one connection; lookups
// use a separate reader pool so 1:N searches read concurrently.
type Store struct {
	db      *sql.DB
	rdb     *sql.DB
	history int
	enc     *zstd.Encoder
	dec     *zstd.Decoder

	closeOnce sync.Once
	closeErr  error
}

// Option configures Open
type Option func(*openOptions)

type openOptions struct {
	readers int
}

// WithReaders sets the reader pool size. File databases only; an in-memory
// database reads through the writer connection.
func WithReaders(n int) Option {
	return func(o *openOptions) {
		if n > 0 {
			o.readers = n
		}
	}
}

// Open opens or creates the database at dsn and applies migrations
func Open(ctx context.Context, dsn string, history int, opts ...Option) (*Store, error) {
	if history <= 0 {
		history = biometric.DefaultHistory
	}
	o := openOptions{readers: DefaultReaders}
	for _, opt := range opts {
		opt(&o)
	}
	if path, ok := filePath(dsn); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.WrapFatal(err, "sqlite", "Open", "create database dir")
		}
	}

	db, err := sql.Open("sqlite", DSN(dsn))
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlite", "Open", "open database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "sqlite", "Open", "ping")
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "sqlite", "Open", "migrate")
	}

	rdb := db
	if _, ok := filePath(dsn); ok {
		if rdb, err = openReaders(pingCtx, dsn, o.readers); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	closeAll := func() {
		if rdb != db {
			_ = rdb.Close()
		}
		_ = db.Close()
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		closeAll()
		return nil, errors.WrapFatal(err, "sqlite", "Open", "create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		closeAll()
		return nil, errors.WrapFatal(err, "sqlite", "Open", "create zstd decoder")
	}

	return &Store{db: db, rdb: rdb, history: history, enc: enc, dec: dec}, nil
}

func openReaders(ctx context.Context, dsn string, n int) (*sql.DB, error) {
	rdb, err := sql.Open("sqlite", readDSN(dsn))
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlite", "Open", "open reader pool")
	}
	rdb.SetMaxOpenConns(n)
	rdb.SetMaxIdleConns(n)
	if err := rdb.PingContext(ctx); err != nil {
		_ = rdb.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "sqlite", "Open", "ping readers")
	}
	return rdb, nil
}

func filePath(dsn string) (string, bool) {
	if strings.Contains(dsn, "mode=memory") || dsn == ":memory:" {
		return "", false
	}
	path := strings.TrimPrefix(dsn, "file:")
	path, _, _ = strings.Cut(path, "?")
	return path, path != ""
}

// Ping reports whether the database answers
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save implements biometric.Store
func (s *Store) Save(ctx context.Context, t biometric.Template) error {
	var template, expires any
	if len(t.TemplateBlob) > 0 {
		template = s.enc.EncodeAll(t.TemplateBlob, nil)
	}
	if !t.ExpiresAt.IsZero() {
		expires = t.ExpiresAt.UTC().UnixMilli()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO biometric_templates(
  user_id, modality, feature, template, digest, device_id, registered_at_ms, expires_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			t.UserID, string(t.Modality), s.enc.EncodeAll(t.Feature, nil), template, t.Digest[:],
			t.DeviceID, t.RegisteredAt.UTC().UnixMilli(), expires,
		); err != nil {
			return fmt.Errorf("insert template: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
DELETE FROM biometric_templates
WHERE user_id = ? AND modality = ? AND id NOT IN (
  SELECT id FROM biometric_templates
  WHERE user_id = ? AND modality = ?
  ORDER BY registered_at_ms DESC, id DESC
  LIMIT ?
);`,
			t.UserID, string(t.Modality), t.UserID, string(t.Modality), s.history,
		); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
		return nil
	})
}

// Active implements biometric.Store
func (s *Store) Active(ctx context.Context, userID int64, modality biometric.Modality, now time.Time) (*biometric.Template, error) {
	row := s.rdb.QueryRowContext(ctx, `
SELECT feature, template, digest, device_id, registered_at_ms, expires_at_ms
FROM biometric_templates
WHERE user_id = ? AND modality = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)
ORDER BY registered_at_ms DESC, id DESC
LIMIT 1;`, userID, string(modality), now.UTC().UnixMilli())

	var (
		feature, template, digest []byte
		deviceID, registeredMs    int64
		expiresMs                 sql.NullInt64
	)
	if err := row.Scan(&feature, &template, &digest, &deviceID, &registeredMs, &expiresMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read template: %w", errors.ErrStorageUnavailable, err)
	}

	t := &biometric.Template{
		UserID:       userID,
		Modality:     modality,
		DeviceID:     deviceID,
		RegisteredAt: time.UnixMilli(registeredMs).UTC(),
	}
	var err error
	if t.Feature, err = s.dec.DecodeAll(feature, nil); err != nil {
		return nil, fmt.Errorf("%w: feature of user %d: %w", errors.ErrDataCorrupted, userID, err)
	}
	if len(template) > 0 {
		if t.TemplateBlob, err = s.dec.DecodeAll(template, nil); err != nil {
			return nil, fmt.Errorf("%w: template of user %d: %w", errors.ErrDataCorrupted, userID, err)
		}
	}
	copy(t.Digest[:], digest)
	if expiresMs.Valid {
		t.ExpiresAt = time.UnixMilli(expiresMs.Int64).UTC()
	}
	return t, nil
}

// Delete implements biometric.Store
func (s *Store) Delete(ctx context.Context, userID int64, modality biometric.Modality) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM biometric_templates WHERE user_id = ? AND modality = ?;", userID, string(modality))
	if err != nil {
		return 0, fmt.Errorf("%w: delete templates: %w", errors.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteExpired implements biometric.Store
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (map[biometric.Modality]int, error) {
	cutoff := now.UTC().UnixMilli()
	removed := make(map[biometric.Modality]int)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT modality, COUNT(*) FROM biometric_templates
WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?
GROUP BY modality;`, cutoff)
		if err != nil {
			return fmt.Errorf("count expired: %w", err)
		}
		for rows.Next() {
			var modality string
			var n int
			if err := rows.Scan(&modality, &n); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan expired: %w", err)
			}
			removed[biometric.Modality(modality)] = n
		}
		if err := rows.Close(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM biometric_templates WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?;", cutoff,
		); err != nil {
			return fmt.Errorf("delete expired: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Stats implements biometric.Store
func (s *Store) Stats(ctx context.Context, now time.Time) (biometric.Statistics, error) {
	stats := biometric.Statistics{PerModality: make(map[biometric.Modality]int)}

	rows, err := s.rdb.QueryContext(ctx, `
SELECT modality,
       COUNT(*),
       SUM(CASE WHEN expires_at_ms IS NOT NULL AND expires_at_ms <= ? THEN 1 ELSE 0 END)
FROM biometric_templates
GROUP BY modality;`, now.UTC().UnixMilli())
	if err != nil {
		return stats, fmt.Errorf("%w: stats: %w", errors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var modality string
		var total, expired int
		if err := rows.Scan(&modality, &total, &expired); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.PerModality[biometric.Modality(modality)] = total
		stats.TotalTemplates += total
		stats.ExpiredPendingCleanup += expired
	}
	return stats, rows.Err()
}

// Close implements biometric.Store
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.dec.Close()
		var readErr error
		if s.rdb != s.db {
			readErr = s.rdb.Close()
		}
		s.closeErr = errors.Join(s.enc.Close(), readErr, s.db.Close())
	})
	return s.closeErr
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", errors.ErrStorageUnavailable, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ biometric.Store = (*Store)(nil)
