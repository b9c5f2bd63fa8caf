package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/credgate/backend/internal/model"
)

type resetFixture struct {
	clock  *fakeClock
	store  *MemoryResetStore
	users  *fakeUserStore
	hasher *BcryptHasher
	resets *ResetService
	user   *model.User
}

func newResetFixture(t *testing.T) *resetFixture {
	t.Helper()
	clock := newFakeClock()
	hasher := newTestHasher(t)
	users := newFakeUserStore()

	hash, err := hasher.Hash(context.Background(), "OldPassw0rd")
	require.NoError(t, err)
	user := testUser()
	user.PasswordHash = hash
	require.NoError(t, users.Create(context.Background(), user))

	store := NewMemoryResetStore(clock.Now)
	return &resetFixture{
		clock:  clock,
		store:  store,
		users:  users,
		hasher: hasher,
		resets: NewResetService(store, users, hasher, ResetConfig{TTL: 30 * time.Minute, Now: clock.Now}, zerolog.Nop()),
		user:   user,
	}
}

func TestResetIssueStoresHashedToken(t *testing.T) {
	f := newResetFixture(t)

	token, expiresAt, err := f.resets.Issue(context.Background(), f.user.Email)
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), expiresAt)
	assert.Equal(t, 1, f.store.Len())

	_, ok, err := f.store.Take(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, ok, "store must not be keyed by the plaintext token")
}

func TestResetConsumeIsSingleUse(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()

	token, _, err := f.resets.Issue(ctx, f.user.Email)
	require.NoError(t, err)

	require.NoError(t, f.resets.Consume(ctx, token, "NewPassw0rd"))
	assert.True(t, passwordMatches(t, f.hasher, "NewPassw0rd", f.users.passwordHash(f.user.ID)))

	err = f.resets.Consume(ctx, token, "OtherPassw0rd")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidOrExpiredReset, ErrorCode(err))
	assert.True(t, passwordMatches(t, f.hasher, "NewPassw0rd", f.users.passwordHash(f.user.ID)))
}

func TestResetConsumeExpiry(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr bool
	}{
		{name: "just before expiry", advance: 30*time.Minute - time.Second},
		{name: "at expiry", advance: 30 * time.Minute, wantErr: true},
		{name: "after expiry", advance: 31 * time.Minute, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newResetFixture(t)
			ctx := context.Background()
			token, _, err := f.resets.Issue(ctx, f.user.Email)
			require.NoError(t, err)

			f.clock.Advance(tt.advance)
			err = f.resets.Consume(ctx, token, "NewPassw0rd")
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, CodeInvalidOrExpiredReset, ErrorCode(err))
			assert.Zero(t, f.users.passwordWrites)
		})
	}
}

func TestResetConsumeUnknownToken(t *testing.T) {
	f := newResetFixture(t)
	for _, token := range []string{"", "   ", "deadbeef"} {
		err := f.resets.Consume(context.Background(), token, "NewPassw0rd")
		require.Error(t, err)
		assert.Equal(t, CodeInvalidOrExpiredReset, ErrorCode(err))
	}
}

func TestResetConsumeKeepsTokenWhenWriteFails(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	token, _, err := f.resets.Issue(ctx, f.user.Email)
	require.NoError(t, err)

	f.users.failUpdatePw = errStoreDown
	err = f.resets.Consume(ctx, token, "NewPassw0rd")
	require.Error(t, err)
	assert.Equal(t, CodeInternal, ErrorCode(err))
	assert.Equal(t, 1, f.store.Len())

	f.users.failUpdatePw = nil
	require.NoError(t, f.resets.Consume(ctx, token, "NewPassw0rd"))
	assert.Equal(t, 0, f.store.Len())
}

func TestResetConsumeUserGone(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	token, _, err := f.resets.Issue(ctx, f.user.Email)
	require.NoError(t, err)

	f.users.delete(f.user.ID)
	err = f.resets.Consume(ctx, token, "NewPassw0rd")
	require.Error(t, err)
	assert.Equal(t, CodeUserNotFound, ErrorCode(err))
	assert.Equal(t, 1, f.store.Len())
}

func TestResetConsumeStoreFailure(t *testing.T) {
	f := newResetFixture(t)
	failing := &failingResetStore{ResetStore: f.store, failTake: errStoreDown}
	resets := NewResetService(failing, f.users, f.hasher, ResetConfig{Now: f.clock.Now}, zerolog.Nop())

	err := resets.Consume(context.Background(), "abc", "NewPassw0rd")
	require.Error(t, err)
	assert.Equal(t, CodeInternal, ErrorCode(err))
}

func TestResetConcurrentConsumeSucceedsOnce(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	token, _, err := f.resets.Issue(ctx, f.user.Email)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.resets.Consume(ctx, token, "NewPassw0rd") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, f.users.passwordWrites)
}

// blockingUserStore holds the first password write until released and then
// fails it.
type blockingUserStore struct {
	*fakeUserStore
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingUserStore) UpdatePassword(ctx context.Context, id, hash string) error {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-b.release
		return errStoreDown
	}
	return b.fakeUserStore.UpdatePassword(ctx, id, hash)
}

func TestResetRetryWaitsForFailedAttempt(t *testing.T) {
	f := newResetFixture(t)
	users := &blockingUserStore{
		fakeUserStore: f.users,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	resets := NewResetService(f.store, users, f.hasher, ResetConfig{Now: f.clock.Now}, zerolog.Nop())
	ctx := context.Background()

	token, _, err := resets.Issue(ctx, f.user.Email)
	require.NoError(t, err)
	key := hashResetToken(token)

	first := make(chan error, 1)
	go func() { first <- resets.Consume(ctx, token, "FirstPassw0rd") }()
	<-users.entered

	second := make(chan error, 1)
	go func() { second <- resets.Consume(ctx, token, "SecondPassw0rd") }()
	require.Eventually(t, func() bool { return resets.locks.waiters(key) == 2 },
		time.Second, time.Millisecond)

	close(users.release)

	err = <-first
	require.Error(t, err)
	assert.Equal(t, CodeInternal, ErrorCode(err))
	require.NoError(t, <-second)

	assert.True(t, passwordMatches(t, f.hasher, "SecondPassw0rd", f.users.passwordHash(f.user.ID)))
	assert.Zero(t, resets.locks.waiters(key))
}

func TestTokenLocksHonourContext(t *testing.T) {
	locks := newTokenLocks()
	unlock, err := locks.lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locks.lock(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, locks.waiters("k"))

	unlock()
	assert.Zero(t, locks.waiters("k"))
}

func TestMemoryResetStoreSweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryResetStore(clock.Now)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a", model.ResetEntry{Email: "a@x.io", ExpiresAt: clock.Now().Add(time.Minute)}, time.Minute))
	require.NoError(t, store.Save(ctx, "b", model.ResetEntry{Email: "b@x.io", ExpiresAt: clock.Now().Add(time.Hour)}, time.Hour))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestMemoryResetStoreRestoreSkipsExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryResetStore(clock.Now)

	require.NoError(t, store.Restore(context.Background(), "a", model.ResetEntry{ExpiresAt: clock.Now()}))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryResetStoreSweeperStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryResetStore(nil)
	store.StartSweeper(5*time.Millisecond, zerolog.Nop())
	require.NoError(t, store.Save(context.Background(), "a",
		model.ResetEntry{ExpiresAt: time.Now().Add(-time.Second)}, time.Second))

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}
