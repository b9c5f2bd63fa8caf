package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/samber/oops"

	"github.com/credgate/backend/internal/metrics"
	"github.com/credgate/backend/internal/model"
)

type Category string

const (
	CategoryGeneral Category = "general"
	CategoryAuth    Category = "auth"
	CategoryContact Category = "contact"
)

type Quota struct {
	Max    int
	Window time.Duration
}

func DefaultQuotas() map[Category]Quota {
	return map[Category]Quota{
		CategoryGeneral: {Max: 100, Window: 15 * time.Minute},
		CategoryAuth:    {Max: 5, Window: 15 * time.Minute},
		CategoryContact: {Max: 3, Window: 60 * time.Minute},
	}
}

// Decision is the outcome of one admission check. RetryAfter is only set
// when Allowed is false.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// CounterBackend counts hits in fixed windows. Increment adds one hit to key
// and returns the count so far together with the start of the current window.
// A window ends window after it starts; the next hit opens a new one.
type CounterBackend interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// Limiter applies per-category fixed-window quotas to an identity, usually the
// client IP.
type Limiter struct {
	backend CounterBackend
	quotas  map[Category]Quota
	now     func() time.Time
}

func NewLimiter(backend CounterBackend, quotas map[Category]Quota, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if quotas == nil {
		quotas = DefaultQuotas()
	}
	return &Limiter{backend: backend, quotas: quotas, now: now}
}

// Admit counts one request from identity against category. When the backend
// fails the request is allowed and the error is returned for logging.
func (l *Limiter) Admit(ctx context.Context, identity string, category Category) (Decision, error) {
	q, ok := l.quotas[category]
	if !ok {
		return Decision{Allowed: true}, oops.Code(CodeInternal).
			With("category", string(category)).
			Errorf("unknown rate limit category")
	}

	count, windowStart, err := l.backend.Increment(ctx, bucketKey(category, identity), q.Window)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues(string(category), "error").Inc()
		return Decision{Allowed: true, Limit: q.Max, Remaining: q.Max}, internal("rate limit increment", err)
	}

	resetAt := windowStart.Add(q.Window)
	d := Decision{
		Allowed: count <= int64(q.Max),
		Limit:   q.Max,
		ResetAt: resetAt,
	}
	if d.Allowed {
		d.Remaining = q.Max - int(count)
		metrics.RateLimitDecisions.WithLabelValues(string(category), "allowed").Inc()
		return d, nil
	}

	d.RetryAfter = resetAt.Sub(l.now())
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	metrics.RateLimitDecisions.WithLabelValues(string(category), "rejected").Inc()
	return d, nil
}

// Quotas describes the configured limits for the profile response.
func (l *Limiter) Quotas() map[string]model.Quota {
	out := make(map[string]model.Quota, len(l.quotas))
	for cat, q := range l.quotas {
		out[string(cat)] = model.Quota{Max: q.Max, WindowSeconds: int64(q.Window.Seconds())}
	}
	return out
}

func bucketKey(category Category, identity string) string {
	return string(category) + ":" + identity
}

type bucket struct {
	start time.Time
	count int64
}

// MemoryCounter is a process-local CounterBackend. It tracks at most maxKeys
// buckets; the least recently used bucket is dropped when the bound is hit.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets *simplelru.LRU[string, *bucket]
	now     func() time.Time
}

func NewMemoryCounter(maxKeys int, now func() time.Time) (*MemoryCounter, error) {
	if maxKeys < 1 {
		return nil, fmt.Errorf("rate limit max keys must be positive, got %d", maxKeys)
	}
	if now == nil {
		now = time.Now
	}
	buckets, err := simplelru.NewLRU[string, *bucket](maxKeys, nil)
	if err != nil {
		return nil, err
	}
	return &MemoryCounter{buckets: buckets, now: now}, nil
}

func (m *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets.Get(key)
	if !ok || !now.Before(b.start.Add(window)) {
		b = &bucket{start: now}
		m.buckets.Add(key, b)
	}
	b.count++
	return b.count, b.start, nil
}

func (m *MemoryCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets.Len()
}
