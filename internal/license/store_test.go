package license

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
)

// StoreSuite holds the behaviour every Store implementation must share.
type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func (s *StoreSuite) TearDownTest() {
	_ = s.store.Close()
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(*testing.T) Store { return NewMemoryStore() }})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T) Store {
		st, err := OpenSQLiteStore(SQLiteOptions{
			Path:       filepath.Join(t.TempDir(), "licenses.db"),
			CASRetries: 1000,
		})
		require.NoError(t, err)
		return st
	}})
}

func (s *StoreSuite) TestPutAndGet() {
	rec := activeRecord(mustKey(), testEpoch)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	got, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.Equal(rec.Key, got.Key)
	s.Equal(rec.UserID, got.UserID)
	s.Equal(rec.Level, got.Level)
	s.Equal(StatusActive, got.Status)
	s.True(rec.IssuedAt.Equal(got.IssuedAt))
	s.True(rec.ExpiresAt.Equal(got.ExpiresAt))
	s.Empty(got.BoundDeviceID)
	s.Nil(got.RevokedAt)
	s.Equal(int64(1), got.Version)
}

func (s *StoreSuite) TestPutDuplicate() {
	rec := activeRecord(mustKey(), testEpoch)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	other := rec
	other.UserID = "someone-else"
	err := s.store.Put(s.ctx, other)
	s.ErrorIs(err, ErrDuplicateKey)

	got, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.Equal("user-1", got.UserID, "duplicate put must not overwrite")
}

func (s *StoreSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, mustKey())
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestUpdate() {
	rec := activeRecord(mustKey(), testEpoch)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	revokedAt := testEpoch.Add(time.Hour)
	updated, err := s.store.Update(s.ctx, rec.Key, func(r *LicenseRecord) error {
		r.Status = StatusRevoked
		r.RevokedAt = &revokedAt
		r.RevokeReason = "chargeback"
		r.BoundDeviceID = "device-1"
		return nil
	})
	s.Require().NoError(err)
	s.Equal(int64(2), updated.Version)
	s.Equal(StatusRevoked, updated.Status)

	got, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.Equal(StatusRevoked, got.Status)
	s.Equal("chargeback", got.RevokeReason)
	s.Equal("device-1", got.BoundDeviceID)
	s.Require().NotNil(got.RevokedAt)
	s.True(revokedAt.Equal(*got.RevokedAt))
	s.Equal(int64(2), got.Version)
}

func (s *StoreSuite) TestUpdateCannotChangeKey() {
	rec := activeRecord(mustKey(), testEpoch)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	updated, err := s.store.Update(s.ctx, rec.Key, func(r *LicenseRecord) error {
		r.Key = "LIC-SOMETHING-ELSE"
		return nil
	})
	s.Require().NoError(err)
	s.Equal(rec.Key, updated.Key)
}

func (s *StoreSuite) TestUpdateAbortedByMutation() {
	rec := activeRecord(mustKey(), testEpoch)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	boom := errors.New("refused")
	_, err := s.store.Update(s.ctx, rec.Key, func(r *LicenseRecord) error {
		r.Level = "enterprise"
		return boom
	})
	s.ErrorIs(err, boom)

	got, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.Equal(SubscriptionLevel("pro"), got.Level)
	s.Equal(int64(1), got.Version)
}

func (s *StoreSuite) TestUpdateMissing() {
	called := false
	_, err := s.store.Update(s.ctx, mustKey(), func(*LicenseRecord) error {
		called = true
		return nil
	})
	s.ErrorIs(err, ErrNotFound)
	s.False(called)
}

func (s *StoreSuite) TestGetReturnsCopy() {
	rec := activeRecord(mustKey(), testEpoch)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	got, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	got.Level = "enterprise"

	again, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.Equal(SubscriptionLevel("pro"), again.Level)
}

func (s *StoreSuite) TestConcurrentUpdatesSameKey() {
	rec := activeRecord(mustKey(), testEpoch)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	const writers = 16
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := s.store.Update(s.ctx, rec.Key, func(r *LicenseRecord) error {
				r.ExpiresAt = r.ExpiresAt.Add(time.Hour)
				return nil
			})
			return err
		})
	}
	s.Require().NoError(g.Wait())

	got, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.True(rec.ExpiresAt.Add(writers*time.Hour).Equal(got.ExpiresAt), "lost update: %s", got.ExpiresAt)
	s.Equal(int64(writers+1), got.Version)
}

func (s *StoreSuite) TestConcurrentPutSameKey() {
	key := mustKey()

	var (
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Put(s.ctx, activeRecord(key, testEpoch))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateKey):
				duplicates++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, successes)
	s.Equal(7, duplicates)
}

func (s *StoreSuite) TestExpiringBetween() {
	soon := activeRecord(mustKey(), testEpoch)
	soon.ExpiresAt = testEpoch.Add(2 * 24 * time.Hour)

	later := activeRecord(mustKey(), testEpoch)
	later.ExpiresAt = testEpoch.Add(30 * 24 * time.Hour)

	revoked := activeRecord(mustKey(), testEpoch)
	revoked.ExpiresAt = testEpoch.Add(24 * time.Hour)
	revoked.Status = StatusRevoked

	past := activeRecord(mustKey(), testEpoch)
	past.ExpiresAt = testEpoch.Add(-time.Hour)

	first := activeRecord(mustKey(), testEpoch)
	first.ExpiresAt = testEpoch.Add(time.Hour)

	for _, r := range []LicenseRecord{soon, later, revoked, past, first} {
		s.Require().NoError(s.store.Put(s.ctx, r))
	}

	got, err := s.store.ExpiringBetween(s.ctx, testEpoch, testEpoch.Add(7*24*time.Hour))
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(first.Key, got[0].Key)
	s.Equal(soon.Key, got[1].Key)
}

func (s *StoreSuite) TestFarFutureExpiryRoundTrips() {
	rec := activeRecord(mustKey(), testEpoch)
	rec.ExpiresAt = time.Date(2500, 6, 1, 12, 30, 0, 123456789, time.UTC)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	got, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.True(rec.ExpiresAt.Equal(got.ExpiresAt), "got %s", got.ExpiresAt)

	later := time.Date(9000, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = s.store.Update(s.ctx, rec.Key, func(r *LicenseRecord) error {
		r.ExpiresAt = later
		return nil
	})
	s.Require().NoError(err)

	got, err = s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.True(later.Equal(got.ExpiresAt), "got %s", got.ExpiresAt)
	s.Equal(StatusActive, got.EffectiveStatus(testEpoch))

	found, err := s.store.ExpiringBetween(s.ctx, later.Add(-time.Second), later.Add(time.Second))
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal(rec.Key, found[0].Key)
}

func (s *StoreSuite) TestExpiringBetweenSubSecondBounds() {
	rec := activeRecord(mustKey(), testEpoch)
	rec.ExpiresAt = testEpoch.Add(500 * time.Millisecond)
	s.Require().NoError(s.store.Put(s.ctx, rec))

	got, err := s.store.ExpiringBetween(s.ctx, testEpoch, rec.ExpiresAt)
	s.Require().NoError(err)
	s.Empty(got)

	got, err = s.store.ExpiringBetween(s.ctx, rec.ExpiresAt, rec.ExpiresAt.Add(time.Nanosecond))
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *StoreSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}

func (s *StoreSuite) TestClosedStoreIsUnavailable() {
	rec := activeRecord(mustKey(), testEpoch)
	s.Require().NoError(s.store.Put(s.ctx, rec))
	s.Require().NoError(s.store.Close())

	_, err := s.store.Get(s.ctx, rec.Key)
	s.ErrorIs(err, ErrStoreUnavailable)
	s.NotErrorIs(err, ErrNotFound)

	_, err = s.store.Update(s.ctx, rec.Key, func(*LicenseRecord) error { return nil })
	s.ErrorIs(err, ErrStoreUnavailable)

	s.ErrorIs(s.store.Put(s.ctx, activeRecord(mustKey(), testEpoch)), ErrStoreUnavailable)
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	st := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := st.Get(ctx, mustKey())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreDifferentKeysDoNotContend(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	a := activeRecord(mustKey(), testEpoch)
	b := activeRecord(mustKey(), testEpoch)
	require.NoError(t, st.Put(ctx, a))
	require.NoError(t, st.Put(ctx, b))

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := st.Update(ctx, a.Key, func(r *LicenseRecord) error {
			close(inside)
			<-release
			return nil
		})
		done <- err
	}()
	<-inside

	// While a's writer is parked, b can be updated and a can still be read.
	_, err := st.Update(ctx, b.Key, func(r *LicenseRecord) error {
		r.Level = "enterprise"
		return nil
	})
	require.NoError(t, err)
	got, err := st.Get(ctx, a.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, st.Len())
}

func TestOpenSQLiteStoreRequiresPath(t *testing.T) {
	_, err := OpenSQLiteStore(SQLiteOptions{})
	assert.Error(t, err)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "licenses.db")
	ctx := context.Background()

	st, err := OpenSQLiteStore(SQLiteOptions{Path: path})
	require.NoError(t, err)
	rec := activeRecord(mustKey(), testEpoch)
	require.NoError(t, st.Put(ctx, rec))
	require.NoError(t, st.Close())

	reopened, err := OpenSQLiteStore(SQLiteOptions{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Zero(t, reopened.Conflicts())
}
