// Package natsclient manages the NATS connection shared by the identity
// tier, the device directory and the dispatch outbox.
//
// Client wraps a nats.Conn with a circuit breaker: after a configurable
// number of consecutive failures the circuit opens and calls fail fast with
// ErrCircuitOpen until the backoff elapses. Backoff doubles on each round of
// failures and is capped by WithMaxBackoff.
//
// Beyond plain publish/subscribe the client offers request/reply (used by the
// device directory), JetStream stream publishing (the dispatch outbox) and
// KV buckets (the shared device cache):
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithName("termstream"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry))
//	if err := client.Connect(ctx); err != nil { ... }
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
//	    Bucket: "DEVICES", TTL: 10 * time.Minute,
//	})
//	kv := client.NewKVStore(bucket)
//
// NewTestClient starts a NATS server in a container for integration tests.
package natsclient
