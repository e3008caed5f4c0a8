// Package identity resolves terminal serial numbers to device identities.
//
// Resolution reads through three tiers:
//
//	L1  process-local bounded LRU+TTL cache (pkg/cache)
//	L2  shared cache: NATS KV bucket, Redis, or in-memory
//	    directory: the authoritative device registry, reached over NATS
//	    request/reply with its own timeout
//
// A directory hit populates L2 and then L1. Evict removes a serial from L2
// and L1; other processes learn of it through the L2 watch and drop their
// own L1 entry, so L1 staleness is bounded by the L2 notification delay or
// the L1 TTL, whichever comes first. Notifications missed while cut off
// from L2 are covered by ResetL1, which the service calls on reconnect.
//
// The resolver never invents identities. A miss in every tier, or any tier
// failing, yields nil and the caller decides the fallback.
package identity
