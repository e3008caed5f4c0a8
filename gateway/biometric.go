package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360/termstream/biometric"
)

// Feature and template bytes travel base64-encoded in JSON.
type registerRequest struct {
	UserID     int64  `json:"user_id"`
	Modality   string `json:"modality"`
	Feature    []byte `json:"feature"`
	Template   []byte `json:"template"`
	DeviceID   int64  `json:"device_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type verifyRequest struct {
	UserID   int64  `json:"user_id"`
	Modality string `json:"modality"`
	Feature  []byte `json:"feature"`
}

type matchRequest struct {
	Modality     string  `json:"modality"`
	Feature      []byte  `json:"feature"`
	CandidateIDs []int64 `json:"candidate_ids"`
}

type modalityInfo struct {
	Modality  biometric.Modality `json:"modality"`
	Threshold float64            `json:"threshold"`
}

func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		if isTooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:     "request body too large",
				Code:      CodeInvalidRequest,
				Status:    http.StatusRequestEntityTooLarge,
				RequestID: requestIDFrom(r.Context()),
			})
			return false
		}
		writeBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	modality, err := biometric.ParseModality(req.Modality)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	err = g.matcher.Register(r.Context(), biometric.RegisterRequest{
		UserID:       req.UserID,
		Modality:     modality,
		Feature:      req.Feature,
		TemplateBlob: req.Template,
		DeviceID:     req.DeviceID,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "registered",
		"user_id":  req.UserID,
		"modality": modality,
	})
}

func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	modality, err := biometric.ParseModality(req.Modality)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	result, err := g.matcher.Verify(r.Context(), req.UserID, modality, req.Feature)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	modality, err := biometric.ParseModality(req.Modality)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	result, err := g.matcher.FindBestMatch(r.Context(), modality, req.Feature, req.CandidateIDs)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil || userID <= 0 {
		writeBadRequest(w, r, "userId must be a positive integer")
		return
	}
	modality, err := biometric.ParseModality(chi.URLParam(r, "modality"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	removed, err := g.matcher.Delete(r.Context(), userID, modality)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"modality": modality,
		"removed":  removed,
	})
}

func (g *Gateway) handleModalities(w http.ResponseWriter, _ *http.Request) {
	modalities := g.matcher.ListSupportedModalities()
	out := make([]modalityInfo, 0, len(modalities))
	for _, m := range modalities {
		info := modalityInfo{Modality: m}
		if spec, err := g.matcher.Spec(m); err == nil {
			info.Threshold = spec.Threshold
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"modalities": out})
}

func (g *Gateway) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := g.matcher.Statistics(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := g.matcher.CleanExpired(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.Info("Expired templates removed", "removed", report.Removed)
	writeJSON(w, http.StatusOK, report)
}
