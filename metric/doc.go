// Package metric owns the Prometheus registry for termstream.
//
// A single MetricsRegistry is created at startup and handed to every component
// that exports metrics. Components register their own collectors under a
// service name; registering the same service/metric pair twice is rejected so
// two instances of a component cannot silently share counters.
//
// Core pipeline metrics (pushes received, routed, rejected, identity
// degradations, match latency) live in Metrics and are registered eagerly.
// Server exposes the registry over HTTP for scraping.
package metric
