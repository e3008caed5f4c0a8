package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/config"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/identity"
	"github.com/c360/termstream/protocol"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	calls   atomic.Int32
	msgs    []*protocol.Message
	err     error
	entered chan struct{}
	release chan struct{}
	ctxErr  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msg *protocol.Message) error {
	d.calls.Add(1)
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.release != nil {
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctxErr = ctx.Err()
	d.msgs = append(d.msgs, msg)
	return d.err
}

type stubResolver struct {
	devices map[string]int64
	tier    identity.Tier
}

func (s stubResolver) Resolve(_ context.Context, serial string) (*identity.DeviceIdentity, identity.Tier) {
	id, ok := s.devices[serial]
	if !ok {
		return nil, identity.TierMiss
	}
	return &identity.DeviceIdentity{DeviceID: id, SerialNumber: serial}, s.tier
}

func newRouter(t *testing.T, cfg Config, d *recordingDispatcher, opts ...Option) *Router {
	t.Helper()
	r, err := New(cfg, protocol.DefaultRegistry(), protocol.NewTableMap(config.DefaultTables()), d, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })
	return r
}

const (
	attendanceRow = "1001\t2026-03-01 08:59:12\t0\t1\t0\t0\t0"
	accessRow     = "time=2026-03-01 08:30:00\tpin=1001\tevent=0"
	consumeRow    = "time=2026-03-01 12:00:00\tpin=7\tamount=1250"
)

func payloadFor(code string) []byte {
	switch code {
	case protocol.CodeAttendanceEntropy:
		return []byte(attendanceRow)
	case protocol.CodeConsumeZKTeco:
		return []byte(consumeRow)
	default:
		return []byte(accessRow)
	}
}

func TestRoute_TableAndExplicitCodeAgree(t *testing.T) {
	d := &recordingDispatcher{}
	r := newRouter(t, DefaultConfig(), d)
	ctx := context.Background()

	for table, code := range config.DefaultTables() {
		t.Run(table, func(t *testing.T) {
			viaTable, err := r.Process(ctx, protocol.RawPush{TableHint: table, DeviceID: 9, Payload: payloadFor(code)})
			require.NoError(t, err)
			viaCode, err := r.Process(ctx, protocol.RawPush{ProtocolHint: code, DeviceID: 9, Payload: payloadFor(code)})
			require.NoError(t, err)

			assert.Equal(t, code, viaTable.ProtocolCode)
			assert.Equal(t, viaCode.ProtocolCode, viaTable.ProtocolCode)
			assert.Equal(t, viaCode.RecordType, viaTable.RecordType)
			assert.Equal(t, viaCode.Fields, viaTable.Fields)
		})
	}
}

func TestRoute_UnmappedTableIsRejected(t *testing.T) {
	d := &recordingDispatcher{}
	r := newRouter(t, DefaultConfig(), d)

	for _, table := range []string{"OPERLOG", "BIODATA", "rtlog2"} {
		_, err := r.Process(context.Background(), protocol.RawPush{TableHint: table, Payload: []byte(accessRow)})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrUnresolvableProtocol)
		assert.Equal(t, errors.StageClassify, errors.StageOf(err))
	}
	assert.Zero(t, d.calls.Load())
}

func TestRoute_NoSelector(t *testing.T) {
	r := newRouter(t, DefaultConfig(), &recordingDispatcher{})

	_, err := r.Process(context.Background(), protocol.RawPush{Payload: []byte(accessRow)})
	assert.ErrorIs(t, err, errors.ErrUnresolvableProtocol)
}

func TestRoute_CompositeSelector(t *testing.T) {
	r := newRouter(t, DefaultConfig(), &recordingDispatcher{})

	msg, err := r.Process(context.Background(), protocol.RawPush{
		DeviceTypeHint:   "consume_terminal",
		ManufacturerHint: "zkteco",
		DeviceID:         4,
		Payload:          []byte(consumeRow),
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeConsumeZKTeco, msg.ProtocolCode)
	assert.Equal(t, protocol.RecordConsumption, msg.RecordType)

	_, err = r.Process(context.Background(), protocol.RawPush{
		DeviceTypeHint: "turnstile", ManufacturerHint: "acme", Payload: []byte(accessRow),
	})
	assert.ErrorIs(t, err, errors.ErrUnresolvableProtocol)
}

func TestRoute_AttendanceWithUnknownSerialUsesSentinel(t *testing.T) {
	d := &recordingDispatcher{}
	r := newRouter(t, DefaultConfig(), d, WithResolver(stubResolver{}))

	msg, err := r.Process(context.Background(), protocol.RawPush{
		TableHint:    "ATTLOG",
		SerialNumber: "UNKNOWN-SN",
		Payload:      []byte(attendanceRow),
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.CodeAttendanceEntropy, msg.ProtocolCode)
	assert.Equal(t, int64(1), msg.DeviceID)
	assert.Equal(t, protocol.ResolutionSentinel, msg.DeviceResolution)
	assert.True(t, msg.IsSentinelDevice())
	assert.Equal(t, int32(1), d.calls.Load())
	assert.Equal(t, int64(1), r.Stats().Sentinel)
}

func TestNew_ZeroConfigUsesDefaultSentinel(t *testing.T) {
	d := &recordingDispatcher{}
	r := newRouter(t, Config{}, d)

	msg, err := r.Process(context.Background(), protocol.RawPush{TableHint: "ATTLOG", Payload: []byte(attendanceRow)})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().SentinelDeviceID, msg.DeviceID)
	assert.True(t, msg.IsSentinelDevice())
}

func TestRoute_DeviceResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SentinelDeviceID = 99
	ctx := context.Background()

	t.Run("explicit wins", func(t *testing.T) {
		r := newRouter(t, cfg, &recordingDispatcher{}, WithResolver(stubResolver{devices: map[string]int64{"SN": 5}}))
		msg, err := r.Process(ctx, protocol.RawPush{TableHint: "RTLOG", DeviceID: 12, SerialNumber: "SN", Payload: []byte(accessRow)})
		require.NoError(t, err)
		assert.Equal(t, int64(12), msg.DeviceID)
		assert.Equal(t, protocol.ResolutionExplicit, msg.DeviceResolution)
	})

	t.Run("cache", func(t *testing.T) {
		r := newRouter(t, cfg, &recordingDispatcher{}, WithResolver(stubResolver{devices: map[string]int64{"SN": 5}, tier: identity.TierL1}))
		msg, err := r.Process(ctx, protocol.RawPush{TableHint: "RTLOG", SerialNumber: "SN", Payload: []byte(accessRow)})
		require.NoError(t, err)
		assert.Equal(t, int64(5), msg.DeviceID)
		assert.Equal(t, protocol.ResolutionCache, msg.DeviceResolution)
	})

	t.Run("directory", func(t *testing.T) {
		r := newRouter(t, cfg, &recordingDispatcher{}, WithResolver(stubResolver{devices: map[string]int64{"SN": 5}, tier: identity.TierDirectory}))
		msg, err := r.Process(ctx, protocol.RawPush{TableHint: "RTLOG", SerialNumber: "SN", Payload: []byte(accessRow)})
		require.NoError(t, err)
		assert.Equal(t, protocol.ResolutionDirectory, msg.DeviceResolution)
	})

	t.Run("no serial", func(t *testing.T) {
		r := newRouter(t, cfg, &recordingDispatcher{})
		msg, err := r.Process(ctx, protocol.RawPush{TableHint: "RTLOG", Payload: []byte(accessRow)})
		require.NoError(t, err)
		assert.Equal(t, int64(99), msg.DeviceID)
		assert.Equal(t, protocol.ResolutionSentinel, msg.DeviceResolution)
	})
}

func TestRoute_DecodeFailureKeepsPayload(t *testing.T) {
	d := &recordingDispatcher{}
	r := newRouter(t, DefaultConfig(), d)

	_, err := r.Process(context.Background(), protocol.RawPush{
		TableHint: "ATTLOG", SerialNumber: "SN-1", Payload: []byte("garbage"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDecodeFailed)
	assert.Zero(t, d.calls.Load())

	var pe *errors.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, errors.StageDecode, pe.Stage)
	assert.Equal(t, len("garbage"), pe.PayloadSize)
	assert.Equal(t, "SN-1", pe.Serial)

	rec, ok := r.Payload(pe.PayloadRef)
	require.True(t, ok)
	assert.Equal(t, []byte("garbage"), rec.Payload)
	assert.NotEmpty(t, rec.Error)
}

func TestRoute_DispatchFailure(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("consumer rejected")}
	r := newRouter(t, DefaultConfig(), d)

	_, err := r.Process(context.Background(), protocol.RawPush{TableHint: "RTLOG", DeviceID: 3, Payload: []byte(accessRow)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDispatchFailed)
	assert.Equal(t, errors.StageDispatch, errors.StageOf(err))
	assert.Equal(t, int32(1), d.calls.Load(), "no implicit retry")
}

type panicDispatcher struct{}

func (panicDispatcher) Dispatch(context.Context, *protocol.Message) error {
	panic("consumer bug")
}

func TestRoute_DispatchPanicFailsFuture(t *testing.T) {
	r, err := New(DefaultConfig(), protocol.DefaultRegistry(), protocol.NewTableMap(config.DefaultTables()), panicDispatcher{})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = r.Process(ctx, protocol.RawPush{TableHint: "ATTLOG", Payload: []byte(attendanceRow)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, errors.ErrDispatchFailed)
	assert.Equal(t, errors.StageDispatch, errors.StageOf(err))
	assert.Contains(t, err.Error(), "consumer bug")

	var pe *errors.PipelineError
	require.ErrorAs(t, err, &pe)
	rec, ok := r.Payload(pe.PayloadRef)
	require.True(t, ok)
	assert.NotEmpty(t, rec.Error)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Dispatched)
}

func TestRoute_QueueFull(t *testing.T) {
	d := &recordingDispatcher{entered: make(chan struct{}, 4), release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	r := newRouter(t, cfg, d)
	ctx := context.Background()
	push := protocol.RawPush{TableHint: "RTLOG", DeviceID: 1, Payload: []byte(accessRow)}

	first := r.Route(ctx, push)
	<-d.entered
	second := r.Route(ctx, push)
	third := r.Route(ctx, push)

	_, err := third.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)
	assert.Equal(t, errors.StageAdmission, errors.StageOf(err))

	close(d.release)
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	_, err = second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Stats().Rejected)
}

func TestRoute_CallerCancellationDoesNotAbortDispatch(t *testing.T) {
	d := &recordingDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := newRouter(t, DefaultConfig(), d)

	callerCtx, hangUp := context.WithCancel(context.Background())
	future := r.Route(callerCtx, protocol.RawPush{TableHint: "RTLOG", DeviceID: 1, Payload: []byte(accessRow)})
	<-d.entered
	hangUp()
	close(d.release)

	msg, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.NoError(t, d.ctxErr)
}

func TestRoute_BeforeStart(t *testing.T) {
	r, err := New(DefaultConfig(), protocol.DefaultRegistry(), protocol.NewTableMap(config.DefaultTables()), &recordingDispatcher{})
	require.NoError(t, err)

	_, err = r.Process(context.Background(), protocol.RawPush{TableHint: "RTLOG", Payload: []byte(accessRow)})
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestRouter_SetTables(t *testing.T) {
	r := newRouter(t, DefaultConfig(), &recordingDispatcher{})
	r.SetTables(map[string]string{"OPERLOG": protocol.CodeAccessEntropy})

	msg, err := r.Process(context.Background(), protocol.RawPush{TableHint: "operlog", DeviceID: 2, Payload: []byte(accessRow)})
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeAccessEntropy, msg.ProtocolCode)

	_, err = r.Process(context.Background(), protocol.RawPush{TableHint: "RTLOG", Payload: []byte(accessRow)})
	assert.ErrorIs(t, err, errors.ErrUnresolvableProtocol)
}

func TestMessage_Shape(t *testing.T) {
	r := newRouter(t, DefaultConfig(), &recordingDispatcher{})

	msg, err := r.Process(context.Background(), protocol.RawPush{
		ProtocolHint: protocol.CodeAttendanceEntropy,
		DeviceID:     8,
		Payload:      []byte(attendanceRow + "\n1002\t2026-03-01 09:00:00"),
	})
	require.NoError(t, err)
	assert.Len(t, msg.Records, 2)
	assert.Equal(t, msg.Records[0], msg.Fields)
	assert.NotEmpty(t, msg.RawPayloadRef)
	assert.False(t, msg.ReceivedAt.IsZero())
	assert.Equal(t, time.Date(2026, 3, 1, 8, 59, 12, 0, time.UTC), msg.OccurredAt)

	rec, ok := r.Payload(msg.RawPayloadRef)
	require.True(t, ok)
	assert.Empty(t, rec.Error)
}
