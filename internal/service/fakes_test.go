package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/credgate/backend/internal/model"
)

var errStoreDown = errors.New("store unavailable")

// fakeUserStore is an in-memory UserStore with switchable failures.
type fakeUserStore struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byEmail map[string]string

	failFind       error
	failCreate     error
	failUpdatePw   error
	failLastLogin  error
	passwordWrites int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		byID:    make(map[string]*model.User),
		byEmail: make(map[string]string),
	}
}

func (f *fakeUserStore) FindByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFind != nil {
		return nil, f.failFind
	}
	id, ok := f.byEmail[email]
	if !ok {
		return nil, model.ErrNotFound
	}
	u := *f.byID[id]
	return &u, nil
}

func (f *fakeUserStore) FindByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFind != nil {
		return nil, f.failFind
	}
	u, ok := f.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserStore) Create(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	if _, ok := f.byEmail[user.Email]; ok {
		return model.ErrAlreadyExists
	}
	cp := *user
	f.byID[user.ID] = &cp
	f.byEmail[user.Email] = user.ID
	return nil
}

func (f *fakeUserStore) UpdatePassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdatePw != nil {
		return f.failUpdatePw
	}
	u, ok := f.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	u.PasswordHash = hash
	f.passwordWrites++
	return nil
}

func (f *fakeUserStore) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLastLogin != nil {
		return f.failLastLogin
	}
	u, ok := f.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}

func (f *fakeUserStore) delete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		delete(f.byEmail, u.Email)
		delete(f.byID, id)
	}
}

func (f *fakeUserStore) passwordHash(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].PasswordHash
}

// failingResetStore wraps a ResetStore and fails selected calls.
type failingResetStore struct {
	ResetStore
	failTake error
	failSave error
}

func (s *failingResetStore) Save(ctx context.Context, key string, e model.ResetEntry, ttl time.Duration) error {
	if s.failSave != nil {
		return s.failSave
	}
	return s.ResetStore.Save(ctx, key, e, ttl)
}

func (s *failingResetStore) Take(ctx context.Context, key string) (model.ResetEntry, bool, error) {
	if s.failTake != nil {
		return model.ResetEntry{}, false, s.failTake
	}
	return s.ResetStore.Take(ctx, key)
}

func passwordMatches(t *testing.T, h PasswordHasher, password, hash string) bool {
	t.Helper()
	ok, err := h.Verify(context.Background(), password, hash)
	require.NoError(t, err)
	return ok
}
