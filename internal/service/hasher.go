package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"github.com/credgate/backend/internal/metrics"
)

const DefaultBcryptCost = 12

// PasswordHasher hashes and verifies passwords.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	// Verify reports whether password matches hash. A mismatch or a malformed
	// hash is (false, nil); an error means the comparison never ran.
	Verify(ctx context.Context, password, hash string) (bool, error)
}

// BcryptHasher runs bcrypt on a bounded number of concurrent workers so a
// burst of logins cannot occupy every CPU at once.
type BcryptHasher struct {
	cost    int
	workers *semaphore.Weighted
}

func NewBcryptHasher(cost, workers int) (*BcryptHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if workers < 1 {
		return nil, errors.New("hash workers must be at least 1")
	}
	return &BcryptHasher{
		cost:    cost,
		workers: semaphore.NewWeighted(int64(workers)),
	}, nil
}

func (h *BcryptHasher) Hash(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	var hash []byte
	err := h.run(ctx, "hash", func() error {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), h.cost)
		return err
	})
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (h *BcryptHasher) Verify(ctx context.Context, password, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	var mismatch error
	err := h.run(ctx, "verify", func() error {
		mismatch = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		return nil
	})
	if err != nil {
		return false, err
	}
	return mismatch == nil, nil
}

// run waits for a worker slot, honouring ctx only while waiting. Once a slot
// is held the work always runs to completion.
func (h *BcryptHasher) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	if err := h.workers.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire hash worker: %w", err)
	}
	metrics.HashInFlight.Inc()
	defer func() {
		metrics.HashInFlight.Dec()
		h.workers.Release(1)
		metrics.HashDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()
	return fn()
}
