package biometric

import (
	"time"
)

// Template is one enrolled biometric template
type Template struct {
	UserID       int64     `json:"user_id"`
	Modality     Modality  `json:"modality"`
	Feature      []byte    `json:"-"`
	TemplateBlob []byte    `json:"-"`
	Digest       [32]byte  `json:"-"`
	DeviceID     int64     `json:"device_id"`
	RegisteredAt time.Time `json:"registered_at"`
	// ExpiresAt is zero for templates that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether t has expired at now
func (t *Template) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Decision is the outcome of a match
type Decision string

// Match decisions
const (
	Match   Decision = "match"
	NoMatch Decision = "no-match"
)

// Reasons attached to no-match results
const (
	ReasonNoEnrollment   = "no_enrollment"
	ReasonBelowThreshold = "below_threshold"
	ReasonNoCandidates   = "no_candidates"
	ReasonScoringFailed  = "scoring_failed"
)

// MatchResult is the outcome of a verify or 1:N search
type MatchResult struct {
	MatchedUserID *int64   `json:"matched_user_id"`
	Modality      Modality `json:"modality"`
	Score         float64  `json:"score"`
	Threshold     float64  `json:"threshold"`
	Decision      Decision `json:"decision"`
	Reason        string   `json:"reason,omitempty"`
	// BestUserID is the top scorer even when it was rejected.
	BestUserID       *int64 `json:"best_user_id,omitempty"`
	CandidateCount   int    `json:"candidate_count"`
	ScoredCount      int    `json:"scored_count"`
	FailedCandidates int    `json:"failed_candidates"`
	ElapsedMs        int64  `json:"elapsed_ms"`
}

// Statistics is a point-in-time view of the store
type Statistics struct {
	TotalTemplates        int              `json:"total_templates"`
	PerModality           map[Modality]int `json:"per_modality"`
	ExpiredPendingCleanup int              `json:"expired_pending_cleanup"`
}

// CleanupReport counts templates removed by a cleanup pass
type CleanupReport struct {
	Removed     int              `json:"removed"`
	PerModality map[Modality]int `json:"per_modality"`
}

// RegisterRequest carries a template to enroll
type RegisterRequest struct {
	UserID       int64
	Modality     Modality
	Feature      []byte
	TemplateBlob []byte
	DeviceID     int64
	// TTL, when positive, sets the template expiry relative to registration.
	TTL time.Duration
}
