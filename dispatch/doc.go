// Package dispatch hands normalized messages to business consumers.
//
// The router calls a Dispatcher once decoding and identity resolution are
// done. Backends:
//
//	Outbox  publishes deterministic CBOR to a JetStream stream and returns
//	        once the server has stored it. The message id is the JetStream
//	        dedup id, so a retried publish is stored once.
//	Fanout  calls in-process consumers registered per record type.
//	Log     writes the message to the logger; for development.
//
// Relay drains the outbox stream into a Fanout with explicit acks, giving
// consumers at-least-once delivery decoupled from ingestion latency.
//
// The outbox retries a publish that failed transiently, reusing the message
// id; decoding and identity work are never redone. A failed dispatch is
// reported to the caller wrapped in errors.ErrDispatchFailed.
package dispatch
