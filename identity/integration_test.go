//go:build integration

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/natsclient"
	"github.com/c360/termstream/pkg/cache"
)

func TestIntegration_KVCacheAndDirectory(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, ServeDirectory(ctx, tc.Client, "directory.device.by_serial",
		NewStaticDirectory(map[string]int64{"CKJ001": 31})))

	kv, err := NewKVCache(ctx, tc.Client, "TEST_DEVICES", time.Minute, nil)
	require.NoError(t, err)

	l1, err := cache.NewBounded[DeviceIdentity](ctx, 8, time.Minute)
	require.NoError(t, err)

	r := NewResolver(l1,
		WithSharedCache(kv),
		WithDirectory(NewNATSDirectory(tc.Client, "directory.device.by_serial")))

	device, tier := r.Resolve(ctx, "CKJ001")
	require.NotNil(t, device)
	assert.Equal(t, int64(31), device.DeviceID)
	assert.Equal(t, TierDirectory, tier)

	stored, err := kv.Get(ctx, "CKJ001")
	require.NoError(t, err)
	require.NotNil(t, stored)

	assert.Nil(t, r.GetDeviceBySerial(ctx, "NOPE"))

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() { _ = r.Watch(watchCtx) }()
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, kv.Delete(ctx, "CKJ001"))
	assert.Eventually(t, func() bool {
		_, ok := l1.Get("CKJ001")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIntegration_DirectoryWithoutResponder(t *testing.T) {
	tc := natsclient.NewTestClient(t)

	r := NewResolver(nil,
		WithDirectory(NewNATSDirectory(tc.Client, "directory.nobody")),
		WithDirectoryTimeout(200*time.Millisecond))

	start := time.Now()
	assert.Nil(t, r.GetDeviceBySerial(context.Background(), "CKJ001"))
	assert.Less(t, time.Since(start), 2*time.Second)
}
