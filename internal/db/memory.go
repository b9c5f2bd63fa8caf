package db

import (
	"context"
	"sync"
	"time"

	"github.com/credgate/backend/internal/model"
)

// MemoryUsers is a process-local user store used when no database is
// configured. Returned users are copies.
type MemoryUsers struct {
	mu      sync.RWMutex
	byID    map[string]*model.User
	byEmail map[string]string
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byID:    make(map[string]*model.User),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryUsers) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[user.Email]; ok {
		return model.ErrAlreadyExists
	}
	m.byID[user.ID] = cloneUser(user)
	m.byEmail[user.Email] = user.ID
	return nil
}

func (m *MemoryUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneUser(m.byID[id]), nil
}

func (m *MemoryUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneUser(user), nil
}

func (m *MemoryUsers) UpdatePassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	user.PasswordHash = passwordHash
	return nil
}

func (m *MemoryUsers) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	user.LastLoginAt = &at
	return nil
}

// Delete removes a user. The auth flows never delete; it exists for
// administrative tooling and tests.
func (m *MemoryUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	delete(m.byEmail, user.Email)
	delete(m.byID, id)
	return nil
}

func cloneUser(u *model.User) *model.User {
	cp := *u
	cp.Permissions = append([]string(nil), u.Permissions...)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}
