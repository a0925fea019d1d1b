package license

import (
	"context"
	"errors"
	"sync"
	"time"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// sequenceKeys replays a fixed list of keys and then fails.
type sequenceKeys struct {
	mu   sync.Mutex
	keys []string
	n    int
}

func (s *sequenceKeys) Generate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n >= len(s.keys) {
		return "", errors.New("sequence exhausted")
	}
	k := s.keys[s.n]
	s.n++
	return k, nil
}

func (s *sequenceKeys) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// recordingNotifier keeps every event it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingNotifier) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingNotifier) Types() []EventType {
	var out []EventType
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

// brokenStore fails every call as an unreachable backend would.
type brokenStore struct{}

var errBackendDown = errors.New("connection refused")

func (brokenStore) Put(context.Context, LicenseRecord) error {
	return unavailable("put", errBackendDown)
}

func (brokenStore) Get(context.Context, string) (LicenseRecord, error) {
	return LicenseRecord{}, unavailable("get", errBackendDown)
}

func (brokenStore) Update(context.Context, string, Mutation) (LicenseRecord, error) {
	return LicenseRecord{}, unavailable("update", errBackendDown)
}

func (brokenStore) ExpiringBetween(context.Context, time.Time, time.Time) ([]LicenseRecord, error) {
	return nil, unavailable("scan", errBackendDown)
}

func (brokenStore) Ping(context.Context) error { return unavailable("ping", errBackendDown) }

func (brokenStore) Close() error { return nil }

func mustKey() string {
	k, err := NewKeyGenerator().Generate()
	if err != nil {
		panic(err)
	}
	return k
}

func activeRecord(key string, now time.Time) LicenseRecord {
	return LicenseRecord{
		Key:       key,
		UserID:    "user-1",
		Level:     "pro",
		IssuedAt:  now,
		ExpiresAt: now.Add(365 * 24 * time.Hour),
		Status:    StatusActive,
		UpdatedAt: now,
	}
}
