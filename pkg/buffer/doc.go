// Package buffer provides a fixed-capacity keyed ring.
//
// Ring[T] keeps the most recent N entries and overwrites the oldest when
// full. Entries are also indexed by key so a caller holding a reference from
// an earlier write can fetch the entry back while it is still in the ring.
// The ingestion layer uses it to retain raw payloads that failed to route so
// operators can pull them by the payload reference logged with the failure.
//
// Statistics are always collected. Prometheus metrics are optional:
//
//	ring, err := buffer.NewRing[[]byte](256,
//	    buffer.WithMetrics[[]byte](registry, "failed_payloads"))
package buffer
