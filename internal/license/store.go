package license

import (
	"context"
	"fmt"
	"time"
)

// Mutation edits a copy of a record inside Store.Update. Returning an error
// aborts the update and leaves the stored record untouched. A mutation may be
// invoked more than once when the backend retries a conflicting write, so it
// must only depend on the record it is given.
type Mutation func(rec *LicenseRecord) error

// Store persists license records keyed by license key.
//
// Implementations guarantee that Update is atomic per key, that updates to
// different keys do not contend on a shared lock, and that reads never wait
// on writers. Backend faults are reported as ErrStoreUnavailable.
type Store interface {
	// Put inserts a new record. It fails with ErrDuplicateKey if the key exists.
	Put(ctx context.Context, rec LicenseRecord) error
	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, key string) (LicenseRecord, error)
	// Update applies mutate atomically and returns the record as written.
	Update(ctx context.Context, key string, mutate Mutation) (LicenseRecord, error)
	// ExpiringBetween lists non-revoked records with from <= ExpiresAt < to.
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]LicenseRecord, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
