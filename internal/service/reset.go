package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/oops"

	"github.com/credgate/backend/internal/model"
)

const (
	DefaultResetTTL = 30 * time.Minute
	resetTokenBytes = 32
)

// ResetStore keeps outstanding reset tokens keyed by the SHA-256 of the token.
// Take must remove and return an entry atomically so a token can be consumed
// at most once.
type ResetStore interface {
	Save(ctx context.Context, tokenHash string, entry model.ResetEntry, ttl time.Duration) error
	Take(ctx context.Context, tokenHash string) (model.ResetEntry, bool, error)
	Restore(ctx context.Context, tokenHash string, entry model.ResetEntry) error
}

// MemoryResetStore is a process-local ResetStore. Expired entries are dropped
// lazily on Take and by an optional background sweep.
type MemoryResetStore struct {
	mu      sync.Mutex
	entries map[string]model.ResetEntry
	now     func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryResetStore(now func() time.Time) *MemoryResetStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryResetStore{
		entries: make(map[string]model.ResetEntry),
		now:     now,
	}
}

func (s *MemoryResetStore) Save(_ context.Context, tokenHash string, entry model.ResetEntry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tokenHash] = entry
	return nil
}

func (s *MemoryResetStore) Take(_ context.Context, tokenHash string) (model.ResetEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[tokenHash]
	if !ok {
		return model.ResetEntry{}, false, nil
	}
	delete(s.entries, tokenHash)
	if !s.now().Before(entry.ExpiresAt) {
		return model.ResetEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *MemoryResetStore) Restore(_ context.Context, tokenHash string, entry model.ResetEntry) error {
	if !s.now().Before(entry.ExpiresAt) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tokenHash] = entry
	return nil
}

func (s *MemoryResetStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryResetStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until Close is called. It must be
// called at most once.
func (s *MemoryResetStore) StartSweeper(interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("swept expired reset tokens")
				}
			}
		}
	}()
}

func (s *MemoryResetStore) Close() error {
	s.closeOnce.Do(func() {
		if s.stop == nil {
			return
		}
		close(s.stop)
		<-s.done
	})
	return nil
}

// ResetService issues and consumes single-use password reset tokens.
type ResetService struct {
	store  ResetStore
	users  UserStore
	hasher PasswordHasher
	ttl    time.Duration
	now    func() time.Time
	log    zerolog.Logger
	locks  *tokenLocks
}

type ResetConfig struct {
	TTL time.Duration
	Now func() time.Time
}

func NewResetService(store ResetStore, users UserStore, hasher PasswordHasher, cfg ResetConfig, log zerolog.Logger) *ResetService {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultResetTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &ResetService{
		store:  store,
		users:  users,
		hasher: hasher,
		ttl:    ttl,
		now:    now,
		log:    log,
		locks:  newTokenLocks(),
	}
}

func (s *ResetService) TTL() time.Duration { return s.ttl }

// Issue records a new token for email and returns the plaintext token with
// its expiry. The caller decides whether email belongs to an account.
func (s *ResetService) Issue(ctx context.Context, email string) (string, time.Time, error) {
	token, err := newResetToken()
	if err != nil {
		return "", time.Time{}, internal("generate reset token", err)
	}
	expiresAt := s.now().Add(s.ttl)
	entry := model.ResetEntry{Email: email, ExpiresAt: expiresAt}
	if err := s.store.Save(ctx, hashResetToken(token), entry, s.ttl); err != nil {
		return "", time.Time{}, internal("save reset token", err)
	}
	return token, expiresAt, nil
}

// Consume redeems token and sets newPassword on the owning account. The token
// is removed up front; if anything after that fails it is put back so the user
// can retry with the same link. Consumptions of one token within this process
// run one at a time, so a retry waits for an in-flight attempt instead of
// finding the token missing.
func (s *ResetService) Consume(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errInvalidReset()
	}
	key := hashResetToken(token)

	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return internal("wait for reset token", err)
	}
	defer unlock()

	entry, ok, err := s.store.Take(ctx, key)
	if err != nil {
		return internal("take reset token", err)
	}
	if !ok || !s.now().Before(entry.ExpiresAt) {
		return errInvalidReset()
	}

	if err := s.apply(ctx, entry, newPassword); err != nil {
		if rerr := s.store.Restore(context.WithoutCancel(ctx), key, entry); rerr != nil {
			s.log.Error().Err(rerr).Msg("restore reset token after failed consumption")
		}
		return err
	}
	return nil
}

func (s *ResetService) apply(ctx context.Context, entry model.ResetEntry, newPassword string) error {
	user, err := s.users.FindByEmail(ctx, entry.Email)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return oops.Code(CodeUserNotFound).Errorf("user not found")
		}
		return internal("find user for reset", err)
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return internal("hash new password", err)
	}

	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return oops.Code(CodeUserNotFound).Errorf("user not found")
		}
		return internal("update password", err)
	}
	return nil
}

// tokenLocks serializes work per token hash. Entries live only while some
// caller holds or waits for them.
type tokenLocks struct {
	mu    sync.Mutex
	locks map[string]*tokenLock
}

type tokenLock struct {
	sem  chan struct{}
	refs int
}

func newTokenLocks() *tokenLocks {
	return &tokenLocks{locks: make(map[string]*tokenLock)}
}

func (t *tokenLocks) lock(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &tokenLock{sem: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			t.release(key, l)
		}, nil
	case <-ctx.Done():
		t.release(key, l)
		return nil, ctx.Err()
	}
}

func (t *tokenLocks) release(key string, l *tokenLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

func (t *tokenLocks) waiters(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[key]; ok {
		return l.refs
	}
	return 0
}

func errInvalidReset() error {
	return oops.Code(CodeInvalidOrExpiredReset).Errorf("invalid or expired reset token")
}

func newResetToken() (string, error) {
	raw := make([]byte, resetTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
