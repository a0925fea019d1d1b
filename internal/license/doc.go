// Package license implements license key issuance and validation.
//
// # Architecture Overview
//
// The package is organized around four collaborators:
//
//	- KeyGenerator: mints opaque, high-entropy license keys
//	- Store: durable keyed storage with per-key atomic updates
//	- Engine: read-only validation of a key against its stored record
//	- Controller: the lifecycle state machine (issue, renew, bind, revoke, tier change)
//
// Supporting pieces live alongside them: a Dispatcher that delivers
// lifecycle events to a Notifier without blocking the caller, an
// ExpiryWatcher that warns ahead of expiration, a SecurityManager that locks
// out clients guessing keys, and a HealthCheck.
//
// # License Validation Flow
//
// Validation checks are applied in a fixed order and the first failing check
// decides the verdict:
//
//	1. The key must exist (NotFound)
//	2. The license must not be revoked (Revoked)
//	3. The current time must be before ExpiresAt (Expired)
//	4. A bound license only accepts its bound device (DeviceMismatch)
//
// An unbound license presented with a device ID validates successfully and
// asks the caller to bind it. The Engine never writes; Controller.ValidateLicense
// performs the bind and resolves races so that the first device wins.
//
// # States
//
//	Pending ──Issue──▶ Active ──(time)──▶ Expired
//	                    ▲  │                │
//	                    │  └────Renew◀──────┘
//	                    │
//	        Active/Expired ──Revoke──▶ Revoked (terminal)
//
// Expired is never stored. It is derived from ExpiresAt at read time, so
// renewing an expired license needs no state repair.
//
// # Keys
//
// Keys carry 160 bits from crypto/rand, base32 encoded into groups:
//
//	LIC-7Q2M-VJ4X-K3ZP-ARNB-55DW-QHT6-MC2L-YE4F
//
// Nothing about the owner, tier or validity is encoded in the key. The
// record in the Store is the only source of truth.
//
// # Errors
//
// Validation outcomes are returned as a Verdict, not as errors. Lifecycle
// operations return the sentinel errors in errors.go, which callers test with
// errors.Is. ErrStoreUnavailable is propagated as-is and never retried here.
package license
