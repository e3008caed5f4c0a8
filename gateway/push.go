package gateway

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/protocol"
)

type pushResponse struct {
	Status           string              `json:"status"`
	MessageID        string              `json:"message_id"`
	ProtocolCode     string              `json:"protocol_code"`
	RecordType       protocol.RecordType `json:"record_type"`
	Records          int                 `json:"records"`
	DeviceID         int64               `json:"device_id"`
	DeviceResolution protocol.Resolution `json:"device_resolution"`
	PayloadRef       string              `json:"payload_ref"`
	ElapsedMs        int64               `json:"elapsed_ms"`
}

// handleBinaryPush accepts a push with an explicit protocol code
func (g *Gateway) handleBinaryPush(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("protocolType")
	if code == "" {
		writeBadRequest(w, r, "protocolType is required")
		return
	}
	deviceID, ok := requiredDeviceID(w, r)
	if !ok {
		return
	}
	payload, ok := g.readBody(w, r)
	if !ok {
		return
	}

	g.routeJSON(w, r, ShapeBinary, protocol.RawPush{
		ProtocolHint: code,
		DeviceID:     deviceID,
		Payload:      payload,
	})
}

// handleAutoPush accepts a push whose protocol is inferred from device type
// and manufacturer
func (g *Gateway) handleAutoPush(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceType, manufacturer := q.Get("deviceType"), q.Get("manufacturer")
	if deviceType == "" || manufacturer == "" {
		writeBadRequest(w, r, "deviceType and manufacturer are required")
		return
	}
	deviceID, ok := requiredDeviceID(w, r)
	if !ok {
		return
	}
	payload, ok := g.readBody(w, r)
	if !ok {
		return
	}

	g.routeJSON(w, r, ShapeAuto, protocol.RawPush{
		DeviceTypeHint:   deviceType,
		ManufacturerHint: manufacturer,
		DeviceID:         deviceID,
		Payload:          payload,
	})
}

// handleTextPush accepts a terminal text push. Responses are bare tokens.
func (g *Gateway) handleTextPush(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	push := protocol.RawPush{
		ProtocolHint: q.Get("protocolType"),
		TableHint:    q.Get("table"),
		SerialNumber: q.Get("SN"),
	}
	if raw := q.Get("deviceId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeToken(w, http.StatusBadRequest, errorToken(http.StatusBadRequest))
			return
		}
		push.DeviceID = id
	}

	payload, err := g.body(w, r)
	if err != nil {
		status := http.StatusBadRequest
		if isTooLarge(err) {
			status = http.StatusRequestEntityTooLarge
		}
		g.metrics.RecordRejection(ShapeText, string(errors.StageAdmission))
		writeToken(w, status, errorToken(status))
		return
	}
	push.Payload = payload

	if _, err := g.route(r.Context(), ShapeText, push); err != nil {
		status, _ := classifyError(err)
		writeToken(w, status, errorToken(status))
		return
	}
	writeToken(w, http.StatusOK, g.cfg.AckToken)
}

func (g *Gateway) routeJSON(w http.ResponseWriter, r *http.Request, shape string, push protocol.RawPush) {
	start := time.Now()
	msg, err := g.route(r.Context(), shape, push)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{
		Status:           "ok",
		MessageID:        msg.ID,
		ProtocolCode:     msg.ProtocolCode,
		RecordType:       msg.RecordType,
		Records:          len(msg.Records),
		DeviceID:         msg.DeviceID,
		DeviceResolution: msg.DeviceResolution,
		PayloadRef:       msg.RawPayloadRef,
		ElapsedMs:        time.Since(start).Milliseconds(),
	})
}

// route hands push to the router and waits for the dispatched message
func (g *Gateway) route(ctx context.Context, shape string, push protocol.RawPush) (*protocol.Message, error) {
	g.requests.Add(1)
	g.metrics.RecordReceived(shape)
	push.ReceivedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	msg, err := g.router.Process(ctx, push)
	elapsed := time.Since(start)
	if err != nil {
		g.failures.Add(1)
		stage := errors.StageOf(err)
		if stage == "" {
			stage = errors.StageDispatch
		}
		g.metrics.RecordRejection(shape, string(stage))
		g.metrics.ObserveRoute(shape, "error", elapsed)

		attrs := []any{"shape", shape, "error", err, "request_id", requestIDFrom(ctx)}
		var pe *errors.PipelineError
		if errors.As(err, &pe) {
			attrs = append(attrs, pe.LogAttrs()...)
		} else {
			attrs = append(attrs, "payload_size", len(push.Payload))
		}
		g.logger.Warn("Push failed", attrs...)
		return nil, err
	}

	g.metrics.ObserveRoute(shape, "ok", elapsed)
	return msg, nil
}

func (g *Gateway) handlePayload(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	rec, ok := g.router.Payload(ref)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:     "payload not retained",
			Code:      CodeNotFound,
			Status:    http.StatusNotFound,
			RequestID: requestIDFrom(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func requiredDeviceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("deviceId")
	if raw == "" {
		writeBadRequest(w, r, "deviceId is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, r, "deviceId must be a positive integer")
		return 0, false
	}
	return id, true
}

// readBody reads the request body, answering with a JSON error on failure
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := g.body(w, r)
	if err == nil {
		return payload, true
	}
	if isTooLarge(err) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error:     "request body too large",
			Code:      CodeInvalidRequest,
			Status:    http.StatusRequestEntityTooLarge,
			RequestID: requestIDFrom(r.Context()),
		})
		return nil, false
	}
	writeBadRequest(w, r, err.Error())
	return nil, false
}

func (g *Gateway) body(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("request body is empty")
	}
	return payload, nil
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func errorToken(status int) string {
	return "ERROR:" + strconv.Itoa(status)
}
