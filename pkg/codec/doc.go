// Package codec holds the binary encodings shared across the pipeline.
//
// Outbox entries and shared-cache device records are CBOR using Core
// Deterministic Encoding (RFC 8949 section 4.2), so identical values always
// produce identical bytes. Struct fields use their json tags when no cbor tag
// is present, so domain types carry one set of tags for both the HTTP surface
// and the wire.
//
// Digest and ShortDigest produce BLAKE3 content addresses used for payload
// references and template fingerprints.
package codec
