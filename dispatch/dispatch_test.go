package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/pkg/retry"
	"github.com/c360/termstream/protocol"
)

func testMessage() *protocol.Message {
	received := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	fields := protocol.Fields{{Name: "pin", Value: "1001"}, {Name: "time", Value: "2026-03-01 08:29:58"}}
	return &protocol.Message{
		ID:               "1763912331223420928",
		ProtocolCode:     protocol.CodeAttendanceEntropy,
		DeviceID:         1,
		DeviceResolution: protocol.ResolutionSentinel,
		SerialNumber:     "CKJ001",
		RecordType:       protocol.RecordAttendance,
		Fields:           fields,
		Records:          []protocol.Fields{fields},
		RawPayloadRef:    "ab12-1763912331223420928",
		ReceivedAt:       received,
	}
}

func TestFanout_RoutesByRecordType(t *testing.T) {
	f := NewFanout(nil)

	var mu sync.Mutex
	var seen []string
	record := func(name string) Consumer {
		return ConsumerFunc{ID: name, Fn: func(_ context.Context, msg *protocol.Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name+":"+msg.ID)
			return nil
		}}
	}
	f.Subscribe(record("attendance"), protocol.RecordAttendance)
	f.Subscribe(record("audit"), protocol.RecordAttendance, protocol.RecordAccess)
	f.Subscribe(record("access"), protocol.RecordAccess)

	msg := testMessage()
	require.NoError(t, f.Dispatch(context.Background(), msg))
	assert.Equal(t, []string{"attendance:" + msg.ID, "audit:" + msg.ID}, seen)

	msg.RecordType = protocol.RecordConsumption
	require.NoError(t, f.Dispatch(context.Background(), msg), "unsubscribed types are dropped")
}

func TestFanout_ConsumerFailure(t *testing.T) {
	f := NewFanout(nil)
	calls := 0
	f.Subscribe(ConsumerFunc{ID: "broken", Fn: func(context.Context, *protocol.Message) error {
		return errors.New("ledger offline")
	}}, protocol.RecordAttendance)
	f.Subscribe(ConsumerFunc{ID: "ok", Fn: func(context.Context, *protocol.Message) error {
		calls++
		return nil
	}}, protocol.RecordAttendance)

	err := f.Dispatch(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDispatchFailed)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, 1, calls, "remaining consumers still receive the message")
}

func TestFanout_ConsumerPanic(t *testing.T) {
	f := NewFanout(nil)
	calls := 0
	f.Subscribe(ConsumerFunc{ID: "payroll", Fn: func(context.Context, *protocol.Message) error {
		panic("nil ledger")
	}}, protocol.RecordAttendance)
	f.Subscribe(ConsumerFunc{ID: "audit", Fn: func(context.Context, *protocol.Message) error {
		calls++
		return nil
	}}, protocol.RecordAttendance)

	err := f.Dispatch(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDispatchFailed)
	assert.ErrorIs(t, err, ErrConsumerPanic)
	assert.Contains(t, err.Error(), "payroll")
	assert.Contains(t, err.Error(), "nil ledger")
	assert.Equal(t, 1, calls)
}

// fakeMsg implements the parts of jetstream.Msg the relay touches
type fakeMsg struct {
	jetstream.Msg
	data   []byte
	acked  bool
	nacked bool
	termed bool
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "termstream.push.attendance_punch" }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Nak() error      { m.nacked = true; return nil }
func (m *fakeMsg) Term() error     { m.termed = true; return nil }

type panickingDispatcher struct{}

func (panickingDispatcher) Dispatch(context.Context, *protocol.Message) error {
	panic("consumer bug")
}

func outboxEntry(t *testing.T) []byte {
	t.Helper()
	pub := &fakePublisher{}
	o := NewOutbox(pub, OutboxConfig{SubjectPrefix: "termstream.push"}, nil)
	require.NoError(t, o.Dispatch(context.Background(), testMessage()))
	return pub.data
}

func TestRelay_Handle(t *testing.T) {
	tests := []struct {
		name   string
		target Dispatcher
		data   func(t *testing.T) []byte
		acked  bool
		nacked bool
		termed bool
	}{
		{"delivered", NewLog(nil), outboxEntry, true, false, false},
		{"no subscribers", NewFanout(nil), outboxEntry, true, false, false},
		{"target panics", panickingDispatcher{}, outboxEntry, false, true, false},
		{"undecodable", NewLog(nil), func(*testing.T) []byte { return []byte{0xff, 0x00} }, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRelay(nil, "termstream-relay", tt.target, nil)
			m := &fakeMsg{data: tt.data(t)}

			require.NotPanics(t, func() { r.handle(context.Background(), m) })
			assert.Equal(t, tt.acked, m.acked)
			assert.Equal(t, tt.nacked, m.nacked)
			assert.Equal(t, tt.termed, m.termed)
		})
	}
}

type fakePublisher struct {
	subject string
	msgID   string
	data    []byte
	err     error
	stream  jetstream.StreamConfig

	failures int
	calls    int
}

func (f *fakePublisher) EnsureStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.stream = cfg
	return nil, f.err
}

func (f *fakePublisher) PublishToStream(_ context.Context, subject, msgID string, data []byte) (uint64, error) {
	f.subject, f.msgID, f.data = subject, msgID, data
	f.calls++
	if f.calls <= f.failures {
		return 0, errors.ErrConnectionTimeout
	}
	return uint64(f.calls), f.err
}

func TestOutbox_Dispatch(t *testing.T) {
	pub := &fakePublisher{}
	o := NewOutbox(pub, OutboxConfig{
		Stream:        "TERMSTREAM_PUSHES",
		SubjectPrefix: "termstream.push",
		MaxAge:        72 * time.Hour,
		Duplicates:    2 * time.Minute,
	}, nil)

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, []string{"termstream.push.>"}, pub.stream.Subjects)
	assert.Equal(t, 2*time.Minute, pub.stream.Duplicates)

	msg := testMessage()
	require.NoError(t, o.Dispatch(context.Background(), msg))
	assert.Equal(t, "termstream.push.attendance_punch.attendance_entropy_v4_0", pub.subject)
	assert.Equal(t, msg.ID, pub.msgID)

	decoded, err := DecodeMessage(pub.data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, protocol.ResolutionSentinel, decoded.DeviceResolution)
	assert.Equal(t, msg.Fields, decoded.Fields)
	assert.True(t, msg.ReceivedAt.Equal(decoded.ReceivedAt))
}

func TestOutbox_PublishFailure(t *testing.T) {
	o := NewOutbox(&fakePublisher{err: errors.ErrConnectionLost}, OutboxConfig{SubjectPrefix: "p"}, nil)

	err := o.Dispatch(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDispatchFailed)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.True(t, errors.IsTransient(err))
}

func TestOutbox_RetriesTransientPublish(t *testing.T) {
	pub := &fakePublisher{failures: 2}
	o := NewOutbox(pub, OutboxConfig{
		SubjectPrefix: "p",
		Publish:       retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond},
	}, nil)

	msg := testMessage()
	require.NoError(t, o.Dispatch(context.Background(), msg))
	assert.Equal(t, 3, pub.calls)
	assert.Equal(t, msg.ID, pub.msgID)
}

func TestOutbox_PublishRetriesExhausted(t *testing.T) {
	pub := &fakePublisher{failures: 5}
	o := NewOutbox(pub, OutboxConfig{
		SubjectPrefix: "p",
		Publish:       retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
	}, nil)

	err := o.Dispatch(context.Background(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
	assert.Equal(t, 2, pub.calls)
}

func TestDecodeMessage_Garbage(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)
}

func TestLog_Dispatch(t *testing.T) {
	assert.NoError(t, NewLog(nil).Dispatch(context.Background(), testMessage()))
}
