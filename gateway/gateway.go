package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/c360/termstream/biometric"
	"github.com/c360/termstream/health"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/protocol"
	"github.com/c360/termstream/router"
)

// Push shapes, used as metric labels
const (
	ShapeBinary = "binary"
	ShapeAuto   = "auto"
	ShapeText   = "text"
)

// Router is the part of router.Router the gateway needs
type Router interface {
	Process(ctx context.Context, push protocol.RawPush) (*protocol.Message, error)
	Payload(ref string) (router.PayloadRecord, bool)
}

// Matcher is the part of biometric.Matcher the gateway needs
type Matcher interface {
	Register(ctx context.Context, req biometric.RegisterRequest) error
	Verify(ctx context.Context, userID int64, modality biometric.Modality, probe []byte) (*biometric.MatchResult, error)
	FindBestMatch(ctx context.Context, modality biometric.Modality, probe []byte, candidates []int64) (*biometric.MatchResult, error)
	Delete(ctx context.Context, userID int64, modality biometric.Modality) (int, error)
	ListSupportedModalities() []biometric.Modality
	Spec(modality biometric.Modality) (biometric.Spec, error)
	Statistics(ctx context.Context) (biometric.Statistics, error)
	CleanExpired(ctx context.Context) (biometric.CleanupReport, error)
}

// HealthReporter aggregates dependency status
type HealthReporter interface {
	AggregateHealth(system string) health.Status
}

// Config holds gateway settings
type Config struct {
	// TextRateLimit is the sustained text push rate per second, TextBurst the bucket size.
	TextRateLimit float64
	TextBurst     int
	AckToken      string
	RateLimitCode string
	MaxBodyBytes  int64
	// RequestTimeout bounds how long a push waits for its routed message.
	RequestTimeout time.Duration
	System         string
}

// DefaultConfig returns the gateway defaults
func DefaultConfig() Config {
	return Config{
		TextRateLimit:  200,
		TextBurst:      400,
		AckToken:       "OK",
		RateLimitCode:  "ERROR:429",
		MaxBodyBytes:   1 << 20,
		RequestTimeout: 10 * time.Second,
		System:         "termstream",
	}
}

// Gateway serves the ingestion and biometric HTTP surface
type Gateway struct {
	cfg     Config
	router  Router
	matcher Matcher
	health  HealthReporter
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metric.Metrics

	requests atomic.Int64
	rejected atomic.Int64
	failures atomic.Int64
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMatcher enables the biometric routes
func WithMatcher(m Matcher) Option {
	return func(g *Gateway) { g.matcher = m }
}

// WithHealth enables /healthz aggregation
func WithHealth(h HealthReporter) Option {
	return func(g *Gateway) { g.health = h }
}

// WithMetrics records push counters and latencies
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		if registry != nil {
			g.metrics = registry.CoreMetrics()
		}
	}
}

// New creates a gateway in front of r
func New(cfg Config, r Router, opts ...Option) *Gateway {
	defaults := DefaultConfig()
	if cfg.TextRateLimit <= 0 {
		cfg.TextRateLimit = defaults.TextRateLimit
	}
	if cfg.TextBurst < 1 {
		cfg.TextBurst = defaults.TextBurst
	}
	if cfg.AckToken == "" {
		cfg.AckToken = defaults.AckToken
	}
	if cfg.RateLimitCode == "" {
		cfg.RateLimitCode = defaults.RateLimitCode
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.System == "" {
		cfg.System = defaults.System
	}

	g := &Gateway{
		cfg:     cfg,
		router:  r,
		limiter: rate.NewLimiter(rate.Limit(cfg.TextRateLimit), cfg.TextBurst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// SetRateLimit replaces the text push token bucket parameters
func (g *Gateway) SetRateLimit(limit float64, burst int) {
	if limit <= 0 || burst < 1 {
		g.logger.Warn("Ignoring invalid rate limit", "limit", limit, "burst", burst)
		return
	}
	g.limiter.SetLimit(rate.Limit(limit))
	g.limiter.SetBurst(burst)
	g.logger.Info("Text push rate limit updated", "limit", limit, "burst", burst)
}

// Stats are cumulative request counters
type Stats struct {
	Requests    int64 `json:"requests"`
	RateLimited int64 `json:"rate_limited"`
	Failures    int64 `json:"failures"`
}

// Stats returns the request counters
func (g *Gateway) Stats() Stats {
	return Stats{
		Requests:    g.requests.Load(),
		RateLimited: g.rejected.Load(),
		Failures:    g.failures.Load(),
	}
}

// Handler returns the HTTP routes
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(g.requestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/device/push/binary", g.handleBinaryPush)
		r.Post("/device/push/auto", g.handleAutoPush)
		r.Get("/diagnostics/payloads/{ref}", g.handlePayload)

		if g.matcher != nil {
			r.Route("/biometric", func(r chi.Router) {
				r.Post("/register", g.handleRegister)
				r.Post("/verify", g.handleVerify)
				r.Post("/match", g.handleMatch)
				r.Delete("/{userId}/{modality}", g.handleDelete)
				r.Get("/modalities", g.handleModalities)
				r.Get("/statistics", g.handleStatistics)
				r.Post("/cleanup", g.handleCleanup)
			})
		}
	})

	r.With(g.rateLimited(ShapeText)).Post("/iclock/cdata", g.handleTextPush)
	return r
}

// rateLimited rejects requests once the shared bucket is empty. Rejections
// never reach the router.
func (g *Gateway) rateLimited(shape string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.limiter.Allow() {
				g.rejected.Add(1)
				g.metrics.RecordRejection(shape, "rate_limit")
				g.logger.Debug("Push rate limited", "shape", shape, "sn", r.URL.Query().Get("SN"))
				writeToken(w, http.StatusTooManyRequests, g.cfg.RateLimitCode)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if g.health == nil {
		writeJSON(w, http.StatusOK, health.NewHealthy(g.cfg.System, "no dependencies registered"))
		return
	}
	status := g.health.AggregateHealth(g.cfg.System)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
