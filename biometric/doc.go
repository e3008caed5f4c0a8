// Package biometric stores per-user biometric templates and matches probes
// against them.
//
// Templates are kept per (user, modality). Registering again supersedes the
// previous template; the most recent non-expired one is the active template.
// Registering a feature identical to the active one is a no-op.
//
// Verify compares a probe against one user's active template. A user with
// no active template gets a no-match result with score 0 and reason
// "no_enrollment", which callers can tell apart from a rejected match.
//
// FindBestMatch scores a probe against many candidates on a worker pool sized
// independently of ingestion. Each candidate has its own timeout and the
// whole search has a budget; candidates that fail or time out are counted and
// left out of the ranking. Equal top scores go to the lowest user id.
//
// Scores are in [0, 1]. Float vector modalities (face, palm, palm-vein) use
// cosine similarity mapped as (cos+1)/2; bit code modalities (fingerprint,
// iris, finger-vein) use 1 minus the normalized Hamming distance.
package biometric
