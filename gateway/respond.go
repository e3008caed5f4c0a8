package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/termstream/errors"
)

type ctxKey int

const requestIDKey ctxKey = iota

// Error codes carried in JSON error bodies
const (
	CodeUnresolvableProtocol = "UNRESOLVABLE_PROTOCOL"
	CodeDecodeFailed         = "DECODE_FAILED"
	CodeDispatchFailed       = "DISPATCH_FAILED"
	CodeOverloaded           = "OVERLOADED"
	CodeShuttingDown         = "SHUTTING_DOWN"
	CodeRateLimited          = "RATE_LIMITED"
	CodeUnsupportedModality  = "UNSUPPORTED_MODALITY"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeTimeout              = "TIMEOUT"
	CodeUnavailable          = "UNAVAILABLE"
	CodeInternal             = "INTERNAL"
)

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Status     int    `json:"status"`
	Stage      string `json:"stage,omitempty"`
	PayloadRef string `json:"payload_ref,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// requestID propagates X-Request-ID or generates one
func (g *Gateway) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// classifyError maps err to an HTTP status and error code. Domain sentinels
// take precedence over the error class.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, errors.ErrUnresolvableProtocol):
		return http.StatusBadRequest, CodeUnresolvableProtocol
	case errors.Is(err, errors.ErrDecodeFailed):
		return http.StatusUnprocessableEntity, CodeDecodeFailed
	case errors.Is(err, errors.ErrUnsupportedModality):
		return http.StatusBadRequest, CodeUnsupportedModality
	case errors.Is(err, errors.ErrShuttingDown):
		return http.StatusServiceUnavailable, CodeShuttingDown
	case errors.Is(err, errors.ErrResourceExhausted):
		return http.StatusServiceUnavailable, CodeOverloaded
	case errors.Is(err, errors.ErrDispatchFailed):
		return http.StatusBadGateway, CodeDispatchFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	}

	switch errors.Classify(err) {
	case errors.ErrorInvalid:
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.ErrorFatal:
		return http.StatusInternalServerError, CodeInternal
	default:
		return http.StatusServiceUnavailable, CodeUnavailable
	}
}

// sanitizeError keeps client-facing messages free of internal detail.
func sanitizeError(err error, status int) string {
	if status >= http.StatusInternalServerError {
		switch status {
		case http.StatusBadGateway:
			return "downstream dispatch failed"
		case http.StatusServiceUnavailable:
			return "service temporarily unavailable"
		case http.StatusGatewayTimeout:
			return "request timed out"
		default:
			return "internal server error"
		}
	}

	var pe *errors.PipelineError
	if errors.As(err, &pe) && pe.Err != nil {
		err = pe.Err
	}
	msg := err.Error()
	// component.method prefixes are internal
	if i := strings.LastIndex(msg, "failed: "); i >= 0 {
		msg = msg[i+len("failed: "):]
	}
	return msg
}

// writeError maps err and writes a JSON error body
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	resp := errorResponse{
		Error:     sanitizeError(err, status),
		Code:      code,
		Status:    status,
		RequestID: requestIDFrom(r.Context()),
	}
	var pe *errors.PipelineError
	if errors.As(err, &pe) {
		resp.Stage = string(pe.Stage)
		resp.PayloadRef = pe.PayloadRef
	}
	writeJSON(w, status, resp)
}

// writeBadRequest reports a malformed request that never reached a component
func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:     msg,
		Code:      CodeInvalidRequest,
		Status:    http.StatusBadRequest,
		RequestID: requestIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeToken writes a bare acknowledgement token for terminal firmware
func writeToken(w http.ResponseWriter, status int, token string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, token)
}
