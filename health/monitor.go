package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single check invocation.
const DefaultCheckTimeout = 2 * time.Second

// CheckFunc reports nil when the dependency is reachable.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn       CheckFunc
	critical bool
}

// Monitor runs registered checks and tracks their latest status.
type Monitor struct {
	mu       sync.RWMutex
	checks   map[string]check
	statuses map[string]Status
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		checks:   make(map[string]check),
		statuses: make(map[string]Status),
		timeout:  DefaultCheckTimeout,
		logger:   logger.With("component", "health"),
	}
}

// Register adds a critical check. A failing critical check marks the system unhealthy.
func (m *Monitor) Register(name string, fn CheckFunc) {
	m.register(name, fn, true)
}

// RegisterOptional adds a check whose failure only degrades the system.
func (m *Monitor) RegisterOptional(name string, fn CheckFunc) {
	m.register(name, fn, false)
}

func (m *Monitor) register(name string, fn CheckFunc, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check{fn: fn, critical: critical}
}

// Update records a status for name directly, bypassing checks.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get returns the latest status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove drops a check and its status.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
	delete(m.statuses, name)
}

// CheckAll runs every check once and records the results.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	checks := make([]check, 0, len(m.checks))
	for name, c := range m.checks {
		names = append(names, name)
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(name string, c check) {
			defer wg.Done()
			m.runCheck(ctx, name, c)
		}(names[i], checks[i])
	}
	wg.Wait()
}

func (m *Monitor) runCheck(ctx context.Context, name string, c check) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.fn(checkCtx)
	latency := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.statuses[name]
	var status Status
	if err == nil {
		status = NewHealthy(name, "ok")
		if !prev.Healthy && prev.Status != "" {
			m.logger.Info("Dependency recovered", "dependency", name)
		}
	} else {
		msg := sanitizeErrorMessage(err.Error())
		if c.critical {
			status = NewUnhealthy(name, msg)
		} else {
			status = NewDegraded(name, msg)
		}
		status.Failures = prev.Failures + 1
		if status.Failures == 1 {
			m.logger.Warn("Dependency check failed", "dependency", name, "error", err)
		}
	}
	status.Latency = latency
	m.statuses[name] = status
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.CheckAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// AggregateHealth folds all statuses into one, ordered by name.
func (m *Monitor) AggregateHealth(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(system, subs)
}

// ListComponents returns the registered check names in order.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
