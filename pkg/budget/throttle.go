package budget

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle is the per-principal request throttle in front of the chat
// endpoint. It is a fixed-window counter, not a spend gate; the ledger
// remains the monetary authority.
type Throttle interface {
	Allow(ctx context.Context, principalID string, limit int) ThrottleDecision
}

type ThrottleDecision struct {
	Allowed   bool
	Count     int
	Remaining int
	ResetAt   time.Time
}

var throttleScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisThrottle counts in Redis and degrades to the in-memory window
// when Redis is unreachable; throttling is advisory, so availability
// wins over precision here.
type RedisThrottle struct {
	Client   *redis.Client
	Window   time.Duration
	Fallback *MemoryThrottle
}

func NewRedisThrottle(client *redis.Client, window time.Duration) *RedisThrottle {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisThrottle{Client: client, Window: window, Fallback: NewMemoryThrottle(window)}
}

func (t *RedisThrottle) Allow(ctx context.Context, principalID string, limit int) ThrottleDecision {
	if limit <= 0 {
		limit = 1
	}
	if t.Client == nil {
		return t.Fallback.Allow(ctx, principalID, limit)
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := throttleScript.Run(opCtx, t.Client, []string{"chatrl:" + principalID}, t.Window.Milliseconds()).Result()
	if err != nil {
		return t.Fallback.Allow(ctx, principalID, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return t.Fallback.Allow(ctx, principalID, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = t.Window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return ThrottleDecision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}

type MemoryThrottle struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]throttleEntry
}

type throttleEntry struct {
	count   int
	resetAt time.Time
}

func NewMemoryThrottle(window time.Duration) *MemoryThrottle {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryThrottle{window: window, items: map[string]throttleEntry{}}
}

func (t *MemoryThrottle) Allow(ctx context.Context, principalID string, limit int) ThrottleDecision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.items {
		if now.After(v.resetAt) {
			delete(t.items, k)
		}
	}
	curr, ok := t.items[principalID]
	if !ok || now.After(curr.resetAt) {
		curr = throttleEntry{resetAt: now.Add(t.window)}
	}
	curr.count++
	t.items[principalID] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return ThrottleDecision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}
