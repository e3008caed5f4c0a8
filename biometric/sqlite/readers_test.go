package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/biometric"
)

func TestStore_ReadsDoNotWaitForWriter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	s, err := Open(ctx, filepath.Join(t.TempDir(), "biometric.db"), 3, WithReaders(2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NotSame(t, s.db, s.rdb)

	require.NoError(t, s.Save(ctx, biometric.Template{
		UserID: 1, Modality: biometric.Face, Feature: []byte("v1"), RegisteredAt: now,
	}))

	// Hold the only writer connection inside an uncommitted write.
	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, "DELETE FROM biometric_templates WHERE user_id = 1;")
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	active, err := s.Active(readCtx, 1, biometric.Face, now)
	require.NoError(t, err)
	require.NotNil(t, active, "readers see the last committed state")
	assert.Equal(t, []byte("v1"), active.Feature)

	stats, err := s.Stats(readCtx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTemplates)
}

func TestStore_ReaderPoolIsQueryOnly(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "biometric.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.rdb.ExecContext(context.Background(), "DELETE FROM biometric_templates;")
	assert.Error(t, err)
}

func TestReadDSN(t *testing.T) {
	assert.Contains(t, readDSN("/var/lib/termstream/biometric.db"), "_pragma=query_only(1)")
	assert.Equal(t, "file:x.db?_pragma=query_only(1)", readDSN("file:x.db"))
	assert.Equal(t, "file:x.db?cache=private&_pragma=query_only(1)", readDSN("file:x.db?cache=private"))
}

func TestStore_MemoryReadsThroughWriter(t *testing.T) {
	s, err := Open(context.Background(), MemoryDSN("readers_memory"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.Same(t, s.db, s.rdb)
}
