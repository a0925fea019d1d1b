package license

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var errStoreClosed = errors.New("store closed")

// MemoryStore keeps records in process memory. Reads load an immutable
// snapshot without locking; each key has its own writer mutex.
type MemoryStore struct {
	records sync.Map // string -> *memoryEntry
	closed  atomic.Bool
}

type memoryEntry struct {
	mu  sync.Mutex
	rec atomic.Pointer[LicenseRecord]
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return unavailable(op, errStoreClosed)
	}
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, rec LicenseRecord) error {
	if err := s.check(ctx, "put"); err != nil {
		return err
	}
	snapshot := rec.clone()
	if snapshot.Version == 0 {
		snapshot.Version = 1
	}
	entry := &memoryEntry{}
	entry.rec.Store(&snapshot)
	if _, loaded := s.records.LoadOrStore(rec.Key, entry); loaded {
		return ErrDuplicateKey
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (LicenseRecord, error) {
	if err := s.check(ctx, "get"); err != nil {
		return LicenseRecord{}, err
	}
	v, ok := s.records.Load(key)
	if !ok {
		return LicenseRecord{}, ErrNotFound
	}
	return v.(*memoryEntry).rec.Load().clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, mutate Mutation) (LicenseRecord, error) {
	if err := s.check(ctx, "update"); err != nil {
		return LicenseRecord{}, err
	}
	v, ok := s.records.Load(key)
	if !ok {
		return LicenseRecord{}, ErrNotFound
	}
	entry := v.(*memoryEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	current := entry.rec.Load()
	next := current.clone()
	if err := mutate(&next); err != nil {
		return LicenseRecord{}, err
	}
	next.Key = current.Key
	next.Version = current.Version + 1
	entry.rec.Store(&next)
	return next.clone(), nil
}

func (s *MemoryStore) ExpiringBetween(ctx context.Context, from, to time.Time) ([]LicenseRecord, error) {
	if err := s.check(ctx, "scan"); err != nil {
		return nil, err
	}
	var out []LicenseRecord
	s.records.Range(func(_, v any) bool {
		rec := v.(*memoryEntry).rec.Load()
		if rec.Status != StatusRevoked && !rec.ExpiresAt.Before(from) && rec.ExpiresAt.Before(to) {
			out = append(out, rec.clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx, "ping")
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
