package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/credgate/backend/internal/model"
)

const (
	resetKeyPrefix     = "reset"
	rateLimitKeyPrefix = "ratelimit"
)

// RedisResetStore keeps reset tokens in Redis so every instance sees the same
// set. Keys expire together with the token.
type RedisResetStore struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewRedisResetStore(rdb redis.Cmdable, now func() time.Time) *RedisResetStore {
	if now == nil {
		now = time.Now
	}
	return &RedisResetStore{rdb: rdb, now: now}
}

func (s *RedisResetStore) key(tokenHash string) string {
	return resetKeyPrefix + ":" + tokenHash
}

func (s *RedisResetStore) Save(ctx context.Context, tokenHash string, entry model.ResetEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal reset entry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save reset entry: %w", err)
	}
	return nil
}

// Take removes the entry with GETDEL, so concurrent callers cannot both get it.
func (s *RedisResetStore) Take(ctx context.Context, tokenHash string) (model.ResetEntry, bool, error) {
	raw, err := s.rdb.GetDel(ctx, s.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.ResetEntry{}, false, nil
		}
		return model.ResetEntry{}, false, fmt.Errorf("take reset entry: %w", err)
	}

	var entry model.ResetEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return model.ResetEntry{}, false, fmt.Errorf("unmarshal reset entry: %w", err)
	}
	if !s.now().Before(entry.ExpiresAt) {
		return model.ResetEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *RedisResetStore) Restore(ctx context.Context, tokenHash string, entry model.ResetEntry) error {
	remaining := entry.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return nil
	}
	return s.Save(ctx, tokenHash, entry, remaining)
}

// incrementScript bumps the counter, starts the window on the first hit and
// returns the count with the window's remaining lifetime in milliseconds.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisCounter is a rate-limit counter shared by every instance.
type RedisCounter struct {
	rdb redis.Scripter
	now func() time.Time
}

func NewRedisCounter(rdb redis.Scripter, now func() time.Time) *RedisCounter {
	if now == nil {
		now = time.Now
	}
	return &RedisCounter{rdb: rdb, now: now}
}

func (c *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := incrementScript.Run(ctx, c.rdb, []string{rateLimitKeyPrefix + ":" + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit increment: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("rate limit increment: unexpected reply %v", res)
	}
	remaining := time.Duration(res[1]) * time.Millisecond
	windowStart := c.now().Add(remaining).Add(-window)
	return res[0], windowStart, nil
}
