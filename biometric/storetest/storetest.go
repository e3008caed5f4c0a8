// Package storetest checks biometric.Store implementations against the
// behavior the matcher relies on.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/biometric"
	"github.com/c360/termstream/pkg/codec"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func template(userID int64, modality biometric.Modality, feature []byte, registered time.Time, ttl time.Duration) biometric.Template {
	t := biometric.Template{
		UserID:       userID,
		Modality:     modality,
		Feature:      feature,
		TemplateBlob: []byte("enrollment-artifact"),
		Digest:       codec.Digest(feature),
		DeviceID:     17,
		RegisteredAt: registered,
	}
	if ttl > 0 {
		t.ExpiresAt = registered.Add(ttl)
	}
	return t
}

// Run exercises a Store. newStore must return an empty store that keeps at
// least two templates of history.
func Run(t *testing.T, newStore func(t *testing.T) biometric.Store) {
	ctx := context.Background()

	t.Run("active is newest non-expired", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, template(1, biometric.Fingerprint, []byte("old"), epoch, 0)))
		require.NoError(t, s.Save(ctx, template(1, biometric.Fingerprint, []byte("new"), epoch.Add(time.Hour), 2*time.Hour)))

		active, err := s.Active(ctx, 1, biometric.Fingerprint, epoch.Add(90*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, []byte("new"), active.Feature)
		assert.Equal(t, []byte("enrollment-artifact"), active.TemplateBlob)
		assert.Equal(t, codec.Digest([]byte("new")), active.Digest)
		assert.Equal(t, int64(17), active.DeviceID)
		assert.True(t, active.RegisteredAt.Equal(epoch.Add(time.Hour)))

		active, err = s.Active(ctx, 1, biometric.Fingerprint, epoch.Add(4*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, []byte("old"), active.Feature, "expired newest falls back to the previous template")
	})

	t.Run("missing is nil", func(t *testing.T) {
		s := newStore(t)
		active, err := s.Active(ctx, 404, biometric.Face, epoch)
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("delete counts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, template(2, biometric.Iris, []byte("a"), epoch, 0)))
		require.NoError(t, s.Save(ctx, template(2, biometric.Iris, []byte("b"), epoch.Add(time.Minute), 0)))
		require.NoError(t, s.Save(ctx, template(2, biometric.Face, []byte("c"), epoch, 0)))

		n, err := s.Delete(ctx, 2, biometric.Iris)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Delete(ctx, 2, biometric.Iris)
		require.NoError(t, err)
		assert.Zero(t, n)

		active, err := s.Active(ctx, 2, biometric.Face, epoch)
		require.NoError(t, err)
		assert.NotNil(t, active, "other modalities are untouched")
	})

	t.Run("expired cleanup and stats", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, template(3, biometric.Face, []byte("f"), epoch, time.Hour)))
		require.NoError(t, s.Save(ctx, template(4, biometric.Face, []byte("g"), epoch, 0)))
		require.NoError(t, s.Save(ctx, template(5, biometric.Palm, []byte("h"), epoch, time.Minute)))

		later := epoch.Add(2 * time.Hour)
		stats, err := s.Stats(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalTemplates)
		assert.Equal(t, 2, stats.PerModality[biometric.Face])
		assert.Equal(t, 1, stats.PerModality[biometric.Palm])
		assert.Equal(t, 2, stats.ExpiredPendingCleanup)

		removed, err := s.DeleteExpired(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, map[biometric.Modality]int{biometric.Face: 1, biometric.Palm: 1}, removed)

		stats, err = s.Stats(ctx, later)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TotalTemplates)
		assert.Zero(t, stats.ExpiredPendingCleanup)
	})
}
