// Package idempotency makes payment session creation safe to retry.
//
// # Overview
//
// A caller supplies an opaque key with each session request. The first
// request for a (key, seller) pair creates a PaymentAttempt and records the
// mapping in the idempotency_keys table inside the same transaction. Every
// later request with the same pair returns that attempt unchanged.
//
// # Concurrency
//
// Two callers that miss the initial lookup at the same time both try to
// insert the mapping. The unique index on (key, seller) lets exactly one
// commit; the loser's transaction rolls back, including any stock it
// reserved, and it re-reads the winner's attempt instead of failing.
//
// The mapping row is written before the attempt factory runs so that losers
// fail on the key insert before touching inventory rows.
//
// # Fingerprints
//
// A request may carry a fingerprint of its body (see DefaultFingerprint).
// Reusing a key with a different fingerprint returns ErrKeyReused rather than
// silently replaying an unrelated attempt.
package idempotency
