package biometric_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/biometric"
	"github.com/c360/termstream/biometric/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) biometric.Store { return biometric.NewMemoryStore(3) })
}

func TestMemoryStore_HistoryIsBounded(t *testing.T) {
	s := biometric.NewMemoryStore(2)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, biometric.Template{
			UserID: 1, Modality: biometric.Face, Feature: []byte{byte(i)}, RegisteredAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	stats, err := s.Stats(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTemplates)

	active, err := s.Active(ctx, 1, biometric.Face, base)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, active.Feature)
}
