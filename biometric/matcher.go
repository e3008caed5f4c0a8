package biometric

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/pkg/codec"
	"github.com/c360/termstream/pkg/worker"
)

// Matcher defaults
const (
	DefaultWorkers          = 8
	DefaultQueueSize        = 4096
	DefaultCandidateTimeout = 50 * time.Millisecond
	DefaultSearchBudget     = time.Second
)

type modalityRuntime struct {
	spec   Spec
	scorer Scorer
}

// scoreTask is one candidate of a 1:N search
type scoreTask struct {
	ctx      context.Context
	userID   int64
	modality Modality
	probe    []byte
	results  chan<- scoreOutcome
}

type scoreOutcome struct {
	userID   int64
	score    float64
	enrolled bool
	err      error
}

// Matcher registers, verifies and searches biometric templates
type Matcher struct {
	store            Store
	modalities       map[Modality]*modalityRuntime
	pool             *worker.Pool[*scoreTask]
	candidateTimeout time.Duration
	searchBudget     time.Duration
	workers          int
	queueSize        int
	registry         *metric.MetricsRegistry
	metrics          *metric.Metrics
	logger           *slog.Logger
	now              func() time.Time

	// registerMu serializes the read-compare-save in Register.
	registerMu sync.Mutex
}

// Option configures a Matcher
type Option func(*Matcher)

// WithThreshold overrides the acceptance threshold of a modality
func WithThreshold(m Modality, threshold float64) Option {
	return func(mt *Matcher) {
		if rt, ok := mt.modalities[m]; ok {
			rt.spec.Threshold = threshold
		}
	}
}

// WithScorer replaces the scoring function of a modality
func WithScorer(m Modality, scorer Scorer) Option {
	return func(mt *Matcher) {
		if rt, ok := mt.modalities[m]; ok && scorer != nil {
			rt.scorer = scorer
		}
	}
}

// WithCandidateTimeout bounds the scoring of one candidate
func WithCandidateTimeout(d time.Duration) Option {
	return func(mt *Matcher) {
		if d > 0 {
			mt.candidateTimeout = d
		}
	}
}

// WithSearchBudget bounds a whole 1:N search
func WithSearchBudget(d time.Duration) Option {
	return func(mt *Matcher) {
		if d > 0 {
			mt.searchBudget = d
		}
	}
}

// WithWorkers sizes the scoring pool
func WithWorkers(workers, queueSize int) Option {
	return func(mt *Matcher) {
		if workers > 0 {
			mt.workers = workers
		}
		if queueSize > 0 {
			mt.queueSize = queueSize
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(mt *Matcher) {
		if logger != nil {
			mt.logger = logger
		}
	}
}

// WithMetrics records match latency, decisions and candidate failures
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(mt *Matcher) {
		if registry != nil {
			mt.registry = registry
			mt.metrics = registry.CoreMetrics()
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(mt *Matcher) {
		if now != nil {
			mt.now = now
		}
	}
}

// NewMatcher creates a matcher over store. Call Start before FindBestMatch.
func NewMatcher(store Store, opts ...Option) *Matcher {
	m := &Matcher{
		store:            store,
		modalities:       make(map[Modality]*modalityRuntime),
		candidateTimeout: DefaultCandidateTimeout,
		searchBudget:     DefaultSearchBudget,
		workers:          DefaultWorkers,
		queueSize:        DefaultQueueSize,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, spec := range defaultSpecs {
		m.modalities[spec.Modality] = &modalityRuntime{spec: spec, scorer: ScorerFor(spec.Encoding)}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "matcher")

	poolOpts := []worker.Option[*scoreTask]{
		worker.WithDropHandler(func(t *scoreTask) {
			t.results <- scoreOutcome{userID: t.userID, err: errors.ErrShuttingDown}
		}),
	}
	if m.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*scoreTask](m.registry, "matcher"))
	}
	m.pool = worker.NewPool(m.workers, m.queueSize, m.score, poolOpts...)
	return m
}

// Start launches the scoring pool
func (m *Matcher) Start(ctx context.Context) error {
	if err := m.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Matcher", "Start", "start scoring pool")
	}
	return nil
}

// Close stops the scoring pool and closes the store
func (m *Matcher) Close(timeout time.Duration) error {
	return errors.Join(m.pool.Stop(timeout), m.store.Close())
}

// ListSupportedModalities returns the modalities in display order
func (m *Matcher) ListSupportedModalities() []Modality {
	out := make([]Modality, 0, len(defaultSpecs))
	for _, spec := range defaultSpecs {
		out = append(out, spec.Modality)
	}
	return out
}

// Spec returns the effective parameters of a modality
func (m *Matcher) Spec(modality Modality) (Spec, error) {
	rt, err := m.runtime(modality)
	if err != nil {
		return Spec{}, err
	}
	return rt.spec, nil
}

func (m *Matcher) runtime(modality Modality) (*modalityRuntime, error) {
	rt, ok := m.modalities[modality]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnsupportedModality, modality),
			"Matcher", "runtime", "select modality")
	}
	return rt, nil
}

// Register validates and stores a template. A feature identical to the
// active template is accepted without storing anything.
func (m *Matcher) Register(ctx context.Context, req RegisterRequest) error {
	rt, err := m.runtime(req.Modality)
	if err != nil {
		return err
	}
	if req.UserID <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Matcher", "Register", "user id must be positive")
	}
	if err := rt.spec.validateFeature(req.Feature); err != nil {
		return err
	}
	if err := rt.spec.validateTemplate(req.TemplateBlob); err != nil {
		return err
	}

	now := m.now().UTC()
	t := Template{
		UserID:       req.UserID,
		Modality:     req.Modality,
		Feature:      bytes.Clone(req.Feature),
		TemplateBlob: bytes.Clone(req.TemplateBlob),
		Digest:       codec.Digest(req.Feature),
		DeviceID:     req.DeviceID,
		RegisteredAt: now,
	}
	if req.TTL > 0 {
		t.ExpiresAt = now.Add(req.TTL)
	}

	m.registerMu.Lock()
	defer m.registerMu.Unlock()

	active, err := m.store.Active(ctx, req.UserID, req.Modality, now)
	if err != nil {
		return errors.WrapTransient(err, "Matcher", "Register", "load active template")
	}
	if active != nil && active.Digest == t.Digest {
		m.logger.Debug("Identical template already active", "user_id", req.UserID, "modality", req.Modality)
		return nil
	}

	if err := m.store.Save(ctx, t); err != nil {
		return errors.WrapTransient(err, "Matcher", "Register", "save template")
	}
	m.logger.Info("Template registered",
		"user_id", req.UserID,
		"modality", req.Modality,
		"device_id", req.DeviceID,
		"superseded", active != nil)
	return nil
}

// Verify compares probe with the active template of userID
func (m *Matcher) Verify(ctx context.Context, userID int64, modality Modality, probe []byte) (*MatchResult, error) {
	start := time.Now()
	rt, err := m.runtime(modality)
	if err != nil {
		return nil, err
	}
	if err := rt.spec.validateFeature(probe); err != nil {
		return nil, err
	}

	result := &MatchResult{Modality: modality, Threshold: rt.spec.Threshold, Decision: NoMatch, CandidateCount: 1}

	active, err := m.store.Active(ctx, userID, modality, m.now().UTC())
	if err != nil {
		return nil, errors.WrapTransient(err, "Matcher", "Verify", "load active template")
	}
	if active == nil {
		result.Reason = ReasonNoEnrollment
		return m.finish(result, "verify", start), nil
	}

	score, err := rt.scorer(probe, active.Feature)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidTemplate, err), "Matcher", "Verify", "score")
	}

	result.Score = score
	result.ScoredCount = 1
	id := userID
	result.BestUserID = &id
	if score >= rt.spec.Threshold {
		result.Decision = Match
		result.MatchedUserID = &id
	} else {
		result.Reason = ReasonBelowThreshold
	}
	return m.finish(result, "verify", start), nil
}

// FindBestMatch scores probe against every candidate's active template and
// returns the best one if it clears the threshold. The best score is kept on
// rejected results.
func (m *Matcher) FindBestMatch(ctx context.Context, modality Modality, probe []byte, candidates []int64) (*MatchResult, error) {
	start := time.Now()
	rt, err := m.runtime(modality)
	if err != nil {
		return nil, err
	}
	if err := rt.spec.validateFeature(probe); err != nil {
		return nil, err
	}

	ids := uniqueIDs(candidates)
	result := &MatchResult{Modality: modality, Threshold: rt.spec.Threshold, Decision: NoMatch, CandidateCount: len(ids)}
	if len(ids) == 0 {
		result.Reason = ReasonNoCandidates
		return m.finish(result, "identify", start), nil
	}

	searchCtx, cancel := context.WithTimeout(ctx, m.searchBudget)
	defer cancel()

	results := make(chan scoreOutcome, len(ids))
	submitted := 0
	for _, id := range ids {
		task := &scoreTask{ctx: searchCtx, userID: id, modality: modality, probe: probe, results: results}
		if err := m.pool.SubmitWait(searchCtx, task); err != nil {
			m.countFailure(modality, "not_scheduled")
			result.FailedCandidates++
			continue
		}
		submitted++
	}

	c := newCollector()
	for received := 0; received < submitted; received++ {
		select {
		case out := <-results:
			if reason := c.add(out); reason != "" {
				m.countFailure(modality, reason)
			}
		case <-searchCtx.Done():
			missing := submitted - received
			result.FailedCandidates += missing
			for i := 0; i < missing; i++ {
				m.countFailure(modality, "budget")
			}
			received = submitted
		}
	}

	result.FailedCandidates += c.failed
	result.ScoredCount = c.scored
	if c.scored == 0 {
		result.Reason = ReasonNoEnrollment
		if result.FailedCandidates > 0 {
			result.Reason = ReasonScoringFailed
		}
		return m.finish(result, "identify", start), nil
	}

	best := c.bestID
	result.Score = c.bestScore
	result.BestUserID = &best
	if c.bestScore >= rt.spec.Threshold {
		result.Decision = Match
		result.MatchedUserID = &best
	} else {
		result.Reason = ReasonBelowThreshold
	}
	return m.finish(result, "identify", start), nil
}

// score runs on the pool. The scorer runs on its own goroutine so a slow
// comparison releases the worker at the candidate deadline.
func (m *Matcher) score(_ context.Context, t *scoreTask) error {
	ctx, cancel := context.WithTimeout(t.ctx, m.candidateTimeout)
	defer cancel()

	done := make(chan scoreOutcome, 1)
	go func() {
		done <- m.scoreCandidate(ctx, t)
	}()

	var out scoreOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = scoreOutcome{userID: t.userID, err: ctx.Err()}
	}
	t.results <- out
	return out.err
}

func (m *Matcher) scoreCandidate(ctx context.Context, t *scoreTask) (out scoreOutcome) {
	out.userID = t.userID
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("%w: scorer panic: %v", errors.ErrInvalidTemplate, r)
		}
	}()

	rt := m.modalities[t.modality]
	active, err := m.store.Active(ctx, t.userID, t.modality, m.now().UTC())
	if err != nil {
		out.err = err
		return out
	}
	if active == nil {
		return out
	}

	out.enrolled = true
	out.score, out.err = rt.scorer(t.probe, active.Feature)
	if out.err == nil && (out.score < 0 || out.score > 1) {
		out.err = fmt.Errorf("%w: score %v outside [0, 1]", errors.ErrInvalidTemplate, out.score)
	}
	return out
}

// collector ranks candidate outcomes. Only the search goroutine touches it.
type collector struct {
	bestID    int64
	bestScore float64
	scored    int
	failed    int
}

func newCollector() *collector {
	return &collector{bestScore: -1}
}

// add folds one outcome in and returns a failure reason, or "" on success
func (c *collector) add(out scoreOutcome) string {
	switch {
	case out.err != nil:
		c.failed++
		if errors.Is(out.err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "error"
	case !out.enrolled:
		return ""
	}

	c.scored++
	if out.score > c.bestScore || (out.score == c.bestScore && out.userID < c.bestID) {
		c.bestID = out.userID
		c.bestScore = out.score
	}
	return ""
}

// Delete removes every template of (userID, modality)
func (m *Matcher) Delete(ctx context.Context, userID int64, modality Modality) (int, error) {
	if _, err := m.runtime(modality); err != nil {
		return 0, err
	}
	n, err := m.store.Delete(ctx, userID, modality)
	if err != nil {
		return 0, errors.WrapTransient(err, "Matcher", "Delete", "delete templates")
	}
	m.logger.Info("Templates deleted", "user_id", userID, "modality", modality, "count", n)
	return n, nil
}

// CleanExpired removes expired templates and reports what was removed
func (m *Matcher) CleanExpired(ctx context.Context) (CleanupReport, error) {
	removed, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return CleanupReport{}, errors.WrapTransient(err, "Matcher", "CleanExpired", "delete expired")
	}

	report := CleanupReport{PerModality: removed}
	for _, n := range removed {
		report.Removed += n
	}
	if report.Removed > 0 {
		m.logger.Info("Expired templates removed", "removed", report.Removed, "per_modality", removed)
	}
	return report, nil
}

// Statistics returns store-wide counts
func (m *Matcher) Statistics(ctx context.Context) (Statistics, error) {
	stats, err := m.store.Stats(ctx, m.now().UTC())
	if err != nil {
		return Statistics{}, errors.WrapTransient(err, "Matcher", "Statistics", "read stats")
	}
	return stats, nil
}

// RunCleanup calls CleanExpired every interval until ctx ends
func (m *Matcher) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanExpired(ctx); err != nil {
				m.logger.Warn("Template cleanup failed", "error", err)
			}
		}
	}
}

func (m *Matcher) finish(result *MatchResult, kind string, start time.Time) *MatchResult {
	elapsed := time.Since(start)
	result.ElapsedMs = elapsed.Milliseconds()
	if m.metrics != nil {
		m.metrics.MatchDuration.WithLabelValues(string(result.Modality), kind).Observe(elapsed.Seconds())
		m.metrics.MatchDecisions.WithLabelValues(string(result.Modality), kind, string(result.Decision)).Inc()
	}
	return result
}

func (m *Matcher) countFailure(modality Modality, reason string) {
	if m.metrics != nil {
		m.metrics.CandidateFailures.WithLabelValues(string(modality), reason).Inc()
	}
}

func uniqueIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i > 0 && id == out[i-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}
