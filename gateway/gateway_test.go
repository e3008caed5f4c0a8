package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/config"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/health"
	"github.com/c360/termstream/identity"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/protocol"
	"github.com/c360/termstream/router"
)

const (
	attendanceRow = "1001\t2026-03-01 08:59:12\t0\t1\t0\t0\t0"
	accessRow     = "time=2026-03-01 08:30:00\tpin=1001\tevent=0"
)

type countingDispatcher struct {
	calls atomic.Int32
	err   error
}

func (d *countingDispatcher) Dispatch(_ context.Context, _ *protocol.Message) error {
	d.calls.Add(1)
	return d.err
}

type serials map[string]int64

func (s serials) Resolve(_ context.Context, serial string) (*identity.DeviceIdentity, identity.Tier) {
	id, ok := s[serial]
	if !ok {
		return nil, identity.TierMiss
	}
	return &identity.DeviceIdentity{DeviceID: id, SerialNumber: serial}, identity.TierL1
}

func newTestGateway(t *testing.T, cfg Config, d *countingDispatcher, opts ...Option) *Gateway {
	t.Helper()
	r, err := router.New(router.DefaultConfig(), protocol.DefaultRegistry(),
		protocol.NewTableMap(config.DefaultTables()), d,
		router.WithResolver(serials{"CQZ7231260009": 42}))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })
	return New(cfg, r, opts...)
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func accessFrame() []byte {
	body := make([]byte, 0, 14)
	body = binary.BigEndian.AppendUint32(body, 123456)
	body = append(body, 1, 0)
	body = binary.BigEndian.AppendUint32(body, uint32(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC).Unix()))
	body = binary.BigEndian.AppendUint32(body, 1001)
	return protocol.EncodeFrame(protocol.FrameAccess, body)
}

func TestTextPush_AttendanceAck(t *testing.T) {
	d := &countingDispatcher{}
	h := newTestGateway(t, DefaultConfig(), d).Handler()

	rec := do(t, h, http.MethodPost, "/iclock/cdata?SN=CQZ7231260009&table=ATTLOG", []byte(attendanceRow))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestTextPush_UnknownSerialStillAcknowledged(t *testing.T) {
	d := &countingDispatcher{}
	h := newTestGateway(t, DefaultConfig(), d).Handler()

	rec := do(t, h, http.MethodPost, "/iclock/cdata?SN=UNKNOWN&table=ATTLOG", []byte(attendanceRow))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestTextPush_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"unmapped table", "/iclock/cdata?SN=X&table=OPERLOG", attendanceRow, http.StatusBadRequest},
		{"undecodable body", "/iclock/cdata?SN=X&table=ATTLOG", "not a row", http.StatusUnprocessableEntity},
		{"empty body", "/iclock/cdata?SN=X&table=ATTLOG", "", http.StatusBadRequest},
		{"bad device id", "/iclock/cdata?table=ATTLOG&deviceId=abc", attendanceRow, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDispatcher{}
			h := newTestGateway(t, DefaultConfig(), d).Handler()

			rec := do(t, h, http.MethodPost, tt.target, []byte(tt.body))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, errorToken(tt.status), rec.Body.String())
			assert.Zero(t, d.calls.Load())
		})
	}
}

func TestTextPush_ProtocolTypeOverridesTable(t *testing.T) {
	d := &countingDispatcher{}
	h := newTestGateway(t, DefaultConfig(), d).Handler()

	rec := do(t, h, http.MethodPost,
		"/iclock/cdata?SN=X&table=OPERLOG&protocolType="+protocol.CodeAccessEntropy, []byte(accessRow))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestTextPush_RateLimitSkipsRouter(t *testing.T) {
	d := &countingDispatcher{}
	registry := metric.NewMetricsRegistry()
	cfg := DefaultConfig()
	cfg.TextRateLimit = 0.001
	cfg.TextBurst = 2
	g := newTestGateway(t, cfg, d, WithMetrics(registry))
	h := g.Handler()

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/iclock/cdata?SN=CQZ7231260009&table=ATTLOG", []byte(attendanceRow))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	before := d.calls.Load()

	rec := do(t, h, http.MethodPost, "/iclock/cdata?SN=CQZ7231260009&table=ATTLOG", []byte(attendanceRow))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "ERROR:429", rec.Body.String())
	assert.Equal(t, before, d.calls.Load())
	assert.Equal(t, int64(1), g.Stats().RateLimited)
	assert.Equal(t, int64(2), g.Stats().Requests)

	g.SetRateLimit(1000, 10)
	rec = do(t, h, http.MethodPost, "/iclock/cdata?SN=CQZ7231260009&table=ATTLOG", []byte(attendanceRow))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTextPush_RateLimitDoesNotApplyToBinary(t *testing.T) {
	d := &countingDispatcher{}
	cfg := DefaultConfig()
	cfg.TextRateLimit = 0.001
	cfg.TextBurst = 1
	h := newTestGateway(t, cfg, d).Handler()

	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodPost,
			"/api/v1/device/push/binary?protocolType="+protocol.CodeAccessBinary+"&deviceId=7", accessFrame())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, int32(3), d.calls.Load())
}

func TestBinaryPush(t *testing.T) {
	d := &countingDispatcher{}
	h := newTestGateway(t, DefaultConfig(), d).Handler()

	rec := do(t, h, http.MethodPost,
		"/api/v1/device/push/binary?protocolType="+protocol.CodeAccessBinary+"&deviceId=7", accessFrame())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp pushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, protocol.CodeAccessBinary, resp.ProtocolCode)
	assert.Equal(t, protocol.RecordAccess, resp.RecordType)
	assert.Equal(t, int64(7), resp.DeviceID)
	assert.Equal(t, protocol.ResolutionExplicit, resp.DeviceResolution)
	assert.Equal(t, 1, resp.Records)
	assert.NotEmpty(t, resp.MessageID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestBinaryPush_Validation(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   []byte
		status int
		code   string
	}{
		{"missing protocol", "/api/v1/device/push/binary?deviceId=7", accessFrame(), http.StatusBadRequest, CodeInvalidRequest},
		{"missing device", "/api/v1/device/push/binary?protocolType=" + protocol.CodeAccessBinary, accessFrame(), http.StatusBadRequest, CodeInvalidRequest},
		{"negative device", "/api/v1/device/push/binary?protocolType=" + protocol.CodeAccessBinary + "&deviceId=-1", accessFrame(), http.StatusBadRequest, CodeInvalidRequest},
		{"unknown protocol", "/api/v1/device/push/binary?protocolType=NOPE&deviceId=7", accessFrame(), http.StatusBadRequest, CodeUnresolvableProtocol},
		{"bad checksum", "/api/v1/device/push/binary?protocolType=" + protocol.CodeAccessBinary + "&deviceId=7", corrupt(accessFrame()), http.StatusUnprocessableEntity, CodeDecodeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDispatcher{}
			h := newTestGateway(t, DefaultConfig(), d).Handler()

			rec := do(t, h, http.MethodPost, tt.target, tt.body)
			require.Equal(t, tt.status, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.status, resp.Status)
			assert.NotEmpty(t, resp.RequestID)
			assert.Zero(t, d.calls.Load())
		})
	}
}

func corrupt(frame []byte) []byte {
	out := bytes.Clone(frame)
	out[len(out)-1] ^= 0xFF
	return out
}

func TestBinaryPush_DecodeFailureExposesPayload(t *testing.T) {
	d := &countingDispatcher{}
	h := newTestGateway(t, DefaultConfig(), d).Handler()

	bad := corrupt(accessFrame())
	rec := do(t, h, http.MethodPost,
		"/api/v1/device/push/binary?protocolType="+protocol.CodeAccessBinary+"&deviceId=7", bad)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(errors.StageDecode), resp.Stage)
	require.NotEmpty(t, resp.PayloadRef)

	rec = do(t, h, http.MethodGet, "/api/v1/diagnostics/payloads/"+resp.PayloadRef, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload router.PayloadRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, bad, payload.Payload)
	assert.NotEmpty(t, payload.Error)

	rec = do(t, h, http.MethodGet, "/api/v1/diagnostics/payloads/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBinaryPush_DispatchFailure(t *testing.T) {
	d := &countingDispatcher{err: errors.WrapTransient(errors.ErrDispatchFailed, "test", "Dispatch", "consume")}
	h := newTestGateway(t, DefaultConfig(), d).Handler()

	rec := do(t, h, http.MethodPost,
		"/api/v1/device/push/binary?protocolType="+protocol.CodeAccessBinary+"&deviceId=7", accessFrame())
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeDispatchFailed, resp.Code)
	assert.Equal(t, "downstream dispatch failed", resp.Error)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestBinaryPush_BodyTooLarge(t *testing.T) {
	d := &countingDispatcher{}
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 8
	h := newTestGateway(t, cfg, d).Handler()

	rec := do(t, h, http.MethodPost,
		"/api/v1/device/push/binary?protocolType="+protocol.CodeAccessBinary+"&deviceId=7", accessFrame())
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, d.calls.Load())
}

func TestAutoPush(t *testing.T) {
	d := &countingDispatcher{}
	h := newTestGateway(t, DefaultConfig(), d).Handler()

	rec := do(t, h, http.MethodPost,
		"/api/v1/device/push/auto?deviceType=attendance_terminal&manufacturer=Entropy&deviceId=9", []byte(attendanceRow))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp pushResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, protocol.CodeAttendanceEntropy, resp.ProtocolCode)
	assert.Equal(t, protocol.RecordAttendance, resp.RecordType)

	rec = do(t, h, http.MethodPost,
		"/api/v1/device/push/auto?deviceType=attendance_terminal&deviceId=9", []byte(attendanceRow))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost,
		"/api/v1/device/push/auto?deviceType=kiosk&manufacturer=acme&deviceId=9", []byte(attendanceRow))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeUnresolvableProtocol)
}

func TestRequestIDPropagation(t *testing.T) {
	h := newTestGateway(t, DefaultConfig(), &countingDispatcher{}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/device/push/binary?deviceId=1", strings.NewReader("x"))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"request_id":"req-123"`)
}

type fixedHealth struct{ status health.Status }

func (f fixedHealth) AggregateHealth(string) health.Status { return f.status }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		status health.Status
		code   int
	}{
		{"healthy", health.NewHealthy("termstream", ""), http.StatusOK},
		{"degraded", health.NewDegraded("termstream", ""), http.StatusOK},
		{"unhealthy", health.NewUnhealthy("termstream", ""), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestGateway(t, DefaultConfig(), &countingDispatcher{}, WithHealth(fixedHealth{tt.status})).Handler()
			rec := do(t, h, http.MethodGet, "/healthz", nil)
			assert.Equal(t, tt.code, rec.Code)

			var got health.Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.status.Status, got.Status)
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"rate limited", errors.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
		{"overloaded", &errors.PipelineError{Stage: errors.StageAdmission, Err: errors.ErrResourceExhausted}, http.StatusServiceUnavailable, CodeOverloaded},
		{"shutting down", errors.ErrShuttingDown, http.StatusServiceUnavailable, CodeShuttingDown},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
		{"invalid", errors.WrapInvalid(errors.ErrInvalidData, "c", "m", "a"), http.StatusBadRequest, CodeInvalidRequest},
		{"fatal", errors.WrapFatal(errors.New("boom"), "c", "m", "a"), http.StatusInternalServerError, CodeInternal},
		{"storage", errors.ErrStorageUnavailable, http.StatusServiceUnavailable, CodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := classifyError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
