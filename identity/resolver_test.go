package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/pkg/cache"
)

type countingDirectory struct {
	calls   atomic.Int32
	devices map[string]int64
	err     error
	block   bool
}

func (d *countingDirectory) Lookup(ctx context.Context, serial string) (*DeviceIdentity, error) {
	d.calls.Add(1)
	if d.block {
		// Ignores ctx on purpose: an unresponsive directory.
		time.Sleep(5 * time.Second)
	}
	if d.err != nil {
		return nil, d.err
	}
	id, ok := d.devices[serial]
	if !ok {
		return nil, nil
	}
	return &DeviceIdentity{DeviceID: id, SerialNumber: serial, Status: StatusOnline}, nil
}

type failingCache struct{ *MemoryCache }

func (failingCache) Get(context.Context, string) (*DeviceIdentity, error) {
	return nil, errors.ErrStorageUnavailable
}

func (failingCache) Set(context.Context, DeviceIdentity) error {
	return errors.ErrStorageUnavailable
}

func newL1(t *testing.T) *cache.Bounded[DeviceIdentity] {
	t.Helper()
	l1, err := cache.NewBounded[DeviceIdentity](context.Background(), 16, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l1.Close() })
	return l1
}

func TestResolver_CacheDeviceThenHitsL1(t *testing.T) {
	dir := &countingDirectory{}
	r := NewResolver(newL1(t), WithSharedCache(NewMemoryCache(time.Hour)), WithDirectory(dir))

	require.NoError(t, r.CacheDevice(context.Background(), DeviceIdentity{DeviceID: 42, SerialNumber: "SN-42"}))

	device, tier := r.Resolve(context.Background(), "SN-42")
	require.NotNil(t, device)
	assert.Equal(t, int64(42), device.DeviceID)
	assert.Equal(t, TierL1, tier)
	assert.Zero(t, dir.calls.Load())
}

func TestResolver_ResetL1FallsBackToL2(t *testing.T) {
	dir := &countingDirectory{}
	l1 := newL1(t)
	r := NewResolver(l1, WithSharedCache(NewMemoryCache(time.Hour)), WithDirectory(dir))
	require.NoError(t, r.CacheDevice(context.Background(), DeviceIdentity{DeviceID: 42, SerialNumber: "SN-42"}))

	r.ResetL1()
	assert.Zero(t, l1.Size())

	device, tier := r.Resolve(context.Background(), "SN-42")
	require.NotNil(t, device)
	assert.Equal(t, TierL2, tier)
	assert.Zero(t, dir.calls.Load())
}

func TestResolver_ReadThroughPopulatesTiers(t *testing.T) {
	dir := &countingDirectory{devices: map[string]int64{"SN-7": 7}}
	l1 := newL1(t)
	l2 := NewMemoryCache(time.Hour)
	r := NewResolver(l1, WithSharedCache(l2), WithDirectory(dir))
	ctx := context.Background()

	device, tier := r.Resolve(ctx, "SN-7")
	require.NotNil(t, device)
	assert.Equal(t, TierDirectory, tier)

	cached, err := l2.Get(ctx, "SN-7")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, int64(7), cached.DeviceID)

	_, tier = r.Resolve(ctx, "SN-7")
	assert.Equal(t, TierL1, tier)

	_, err = l1.Delete("SN-7")
	require.NoError(t, err)
	_, tier = r.Resolve(ctx, "SN-7")
	assert.Equal(t, TierL2, tier)

	assert.Equal(t, int32(1), dir.calls.Load())
}

func TestResolver_MissReturnsNil(t *testing.T) {
	r := NewResolver(newL1(t), WithDirectory(&countingDirectory{}))

	assert.Nil(t, r.GetDeviceBySerial(context.Background(), "UNKNOWN"))
	assert.Nil(t, r.GetDeviceBySerial(context.Background(), "  "))
}

func TestResolver_DirectoryUnavailable(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		r := NewResolver(newL1(t), WithDirectory(&countingDirectory{err: errors.ErrNoConnection}))
		assert.Nil(t, r.GetDeviceBySerial(context.Background(), "SN-1"))
	})

	t.Run("unresponsive", func(t *testing.T) {
		r := NewResolver(newL1(t),
			WithDirectory(&countingDirectory{block: true}),
			WithDirectoryTimeout(50*time.Millisecond))

		start := time.Now()
		device := r.GetDeviceBySerial(context.Background(), "SN-1")
		assert.Nil(t, device)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestResolver_L2FailureFallsThrough(t *testing.T) {
	dir := &countingDirectory{devices: map[string]int64{"SN-9": 9}}
	r := NewResolver(newL1(t), WithSharedCache(failingCache{NewMemoryCache(0)}), WithDirectory(dir))

	device, tier := r.Resolve(context.Background(), "SN-9")
	require.NotNil(t, device)
	assert.Equal(t, TierDirectory, tier)

	_, tier = r.Resolve(context.Background(), "SN-9")
	assert.Equal(t, TierL1, tier, "L1 is filled even when L2 writes fail")
}

func TestResolver_EvictPropagatesToPeers(t *testing.T) {
	shared := NewMemoryCache(time.Hour)
	dir := &countingDirectory{devices: map[string]int64{"SN-5": 5}}

	local := NewResolver(newL1(t), WithSharedCache(shared), WithDirectory(dir))
	peerL1 := newL1(t)
	peer := NewResolver(peerL1, WithSharedCache(shared), WithDirectory(dir))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = peer.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.NotNil(t, peer.GetDeviceBySerial(ctx, "SN-5"))
	_, ok := peerL1.Get("SN-5")
	require.True(t, ok)

	// Let the watcher subscribe before evicting.
	require.Eventually(t, func() bool {
		shared.mu.RLock()
		defer shared.mu.RUnlock()
		return len(shared.watchers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, local.Evict(ctx, "SN-5"))

	assert.Eventually(t, func() bool {
		_, ok := peerL1.Get("SN-5")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestResolver_SerialsAreTrimmedOnEveryPath(t *testing.T) {
	dir := &countingDirectory{}
	shared := NewMemoryCache(time.Hour)
	l1 := newL1(t)
	r := NewResolver(l1, WithSharedCache(shared), WithDirectory(dir))
	ctx := context.Background()

	require.NoError(t, r.CacheDevice(ctx, DeviceIdentity{DeviceID: 7, SerialNumber: " SN-7\t"}))

	device, tier := r.Resolve(ctx, "SN-7")
	require.NotNil(t, device)
	assert.Equal(t, TierL1, tier)
	assert.Equal(t, "SN-7", device.SerialNumber)

	require.NoError(t, r.Evict(ctx, "  SN-7 "))
	_, ok := l1.Get("SN-7")
	assert.False(t, ok)
	assert.Nil(t, r.GetDeviceBySerial(ctx, "SN-7"))
	assert.Equal(t, int32(1), dir.calls.Load())

	assert.ErrorIs(t, r.Evict(ctx, " "), errors.ErrInvalidData)
}

func TestResolver_CacheDeviceRequiresSerial(t *testing.T) {
	r := NewResolver(nil)
	err := r.CacheDevice(context.Background(), DeviceIdentity{DeviceID: 1})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestMemoryCache_Expiry(t *testing.T) {
	m := NewMemoryCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, DeviceIdentity{DeviceID: 3, SerialNumber: "A"}))
	got, err := m.Get(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, got)

	now = now.Add(2 * time.Minute)
	got, err = m.Get(ctx, "A")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(map[string]int64{"CKJ001": 12})

	device, err := d.Lookup(context.Background(), "CKJ001")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int64(12), device.DeviceID)

	d.Replace(nil)
	device, err = d.Lookup(context.Background(), "CKJ001")
	require.NoError(t, err)
	assert.Nil(t, device)
}

type stubRequester struct {
	reply []byte
	err   error
	got   []byte
}

func (s *stubRequester) Request(_ context.Context, _ string, data []byte) ([]byte, error) {
	s.got = data
	return s.reply, s.err
}

func TestNATSDirectory(t *testing.T) {
	req := &stubRequester{reply: []byte(`{"device":{"device_id":77,"serial_number":"SN-77","status":"online"}}`)}
	d := NewNATSDirectory(req, "directory.device.by_serial")

	device, err := d.Lookup(context.Background(), "SN-77")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, int64(77), device.DeviceID)
	assert.JSONEq(t, `{"serial_number":"SN-77"}`, string(req.got))

	req.reply = []byte(`{"device":null}`)
	device, err = d.Lookup(context.Background(), "SN-78")
	require.NoError(t, err)
	assert.Nil(t, device)

	req.reply = []byte(`not json`)
	_, err = d.Lookup(context.Background(), "SN-79")
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)

	req.err = errors.ErrConnectionTimeout
	_, err = d.Lookup(context.Background(), "SN-80")
	assert.True(t, errors.IsTransient(err))
}

func TestEncodeKey(t *testing.T) {
	assert.Equal(t, "CKJ-001_a", encodeKey("CKJ-001_a"))

	odd := "SN 01/ä"
	key := encodeKey(odd)
	assert.NotEqual(t, odd, key)
	assert.Equal(t, odd, decodeKey(key))
	assert.Equal(t, "plain", decodeKey("plain"))
}
