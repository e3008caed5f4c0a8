package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/termstream/biometric"
)

func newBiometricHandler(t *testing.T) http.Handler {
	t.Helper()
	m := biometric.NewMatcher(biometric.NewMemoryStore(biometric.DefaultHistory))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(time.Second) })
	return newTestGateway(t, DefaultConfig(), &countingDispatcher{}, WithMatcher(m)).Handler()
}

func bitCode(b byte) []byte {
	return bytes.Repeat([]byte{b}, 64)
}

func postJSON(t *testing.T, h http.Handler, target string, body any) *jsonResponse {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rec := do(t, h, http.MethodPost, target, data)
	return &jsonResponse{code: rec.Code, body: rec.Body.Bytes()}
}

type jsonResponse struct {
	code int
	body []byte
}

func (r *jsonResponse) decode(t *testing.T, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, into), string(r.body))
}

func register(t *testing.T, h http.Handler, userID int64, feature []byte) {
	t.Helper()
	resp := postJSON(t, h, "/api/v1/biometric/register", registerRequest{
		UserID:   userID,
		Modality: "fingerprint",
		Feature:  feature,
		Template: []byte("vendor-template"),
		DeviceID: 9,
	})
	require.Equal(t, http.StatusOK, resp.code, string(resp.body))
}

func TestBiometric_RegisterAndMatch(t *testing.T) {
	h := newBiometricHandler(t)
	register(t, h, 101, bitCode(0xAA))
	register(t, h, 102, bitCode(0x55))

	resp := postJSON(t, h, "/api/v1/biometric/match", matchRequest{
		Modality:     "fingerprint",
		Feature:      bitCode(0xAA),
		CandidateIDs: []int64{102, 101, 103},
	})
	require.Equal(t, http.StatusOK, resp.code)

	var result biometric.MatchResult
	resp.decode(t, &result)
	assert.Equal(t, biometric.Match, result.Decision)
	require.NotNil(t, result.MatchedUserID)
	assert.Equal(t, int64(101), *result.MatchedUserID)
	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.Equal(t, 3, result.CandidateCount)
}

func TestBiometric_Verify(t *testing.T) {
	h := newBiometricHandler(t)
	register(t, h, 101, bitCode(0xAA))

	var result biometric.MatchResult
	resp := postJSON(t, h, "/api/v1/biometric/verify", verifyRequest{UserID: 101, Modality: "fingerprint", Feature: bitCode(0x55)})
	require.Equal(t, http.StatusOK, resp.code)
	resp.decode(t, &result)
	assert.Equal(t, biometric.NoMatch, result.Decision)
	assert.Equal(t, biometric.ReasonBelowThreshold, result.Reason)

	resp = postJSON(t, h, "/api/v1/biometric/verify", verifyRequest{UserID: 555, Modality: "fingerprint", Feature: bitCode(0xAA)})
	require.Equal(t, http.StatusOK, resp.code)
	resp.decode(t, &result)
	assert.Equal(t, biometric.ReasonNoEnrollment, result.Reason)
}

func TestBiometric_Validation(t *testing.T) {
	h := newBiometricHandler(t)

	resp := postJSON(t, h, "/api/v1/biometric/register", registerRequest{UserID: 1, Modality: "retina", Feature: bitCode(1)})
	assert.Equal(t, http.StatusBadRequest, resp.code)
	assert.Contains(t, string(resp.body), CodeUnsupportedModality)

	resp = postJSON(t, h, "/api/v1/biometric/register", registerRequest{UserID: 1, Modality: "fingerprint", Feature: []byte{1}})
	assert.Equal(t, http.StatusBadRequest, resp.code)

	resp = postJSON(t, h, "/api/v1/biometric/verify", map[string]any{"user_id": 1, "unknown": true})
	assert.Equal(t, http.StatusBadRequest, resp.code)
	assert.Contains(t, string(resp.body), CodeInvalidRequest)
}

func TestBiometric_DeleteStatisticsCleanup(t *testing.T) {
	h := newBiometricHandler(t)
	register(t, h, 101, bitCode(0xAA))
	register(t, h, 102, bitCode(0x55))

	rec := do(t, h, http.MethodGet, "/api/v1/biometric/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats biometric.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalTemplates)
	assert.Equal(t, 2, stats.PerModality[biometric.Fingerprint])

	rec = do(t, h, http.MethodDelete, "/api/v1/biometric/101/fingerprint", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":1`)

	rec = do(t, h, http.MethodDelete, "/api/v1/biometric/abc/fingerprint", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/biometric/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report biometric.CleanupReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Zero(t, report.Removed)
}

func TestBiometric_Modalities(t *testing.T) {
	h := newBiometricHandler(t)

	rec := do(t, h, http.MethodGet, "/api/v1/biometric/modalities", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Modalities []modalityInfo `json:"modalities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Modalities, 6)
	assert.Equal(t, biometric.Face, body.Modalities[0].Modality)
	assert.InDelta(t, 0.80, body.Modalities[0].Threshold, 1e-9)
}

func TestBiometric_RoutesAbsentWithoutMatcher(t *testing.T) {
	h := newTestGateway(t, DefaultConfig(), &countingDispatcher{}).Handler()
	rec := do(t, h, http.MethodGet, "/api/v1/biometric/modalities", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
