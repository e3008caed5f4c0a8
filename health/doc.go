// Package health tracks the status of the pipeline's external dependencies
// (NATS, the shared identity cache, the template store) and aggregates them
// into a single report for the /healthz endpoint.
//
// Each dependency registers a Check. A Monitor runs every check on an
// interval and keeps the latest Status per name:
//
//	monitor := health.NewMonitor(logger)
//	monitor.Register("nats", func(ctx context.Context) error { ... })
//	go monitor.Run(ctx, 10*time.Second)
//
//	report := monitor.AggregateHealth("termstream")
//
// Aggregation rules:
//   - any unhealthy dependency makes the system unhealthy
//   - otherwise any degraded dependency makes it degraded
//   - otherwise the system is healthy
//
// Error messages are sanitized before they are stored so that URLs, paths,
// addresses and credentials never reach the HTTP response.
package health
