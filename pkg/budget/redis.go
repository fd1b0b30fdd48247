package budget

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

// Every script begins with the same sweep: reservation hash fields
// whose expiry has passed are decremented out of the spend counter and
// deleted. Expiry is judged against ARGV-supplied wall clock time so
// the ledger stays deterministic under test.
const sweepLua = `
local swept = 0
local fields = redis.call("HGETALL", KEYS[2])
for i = 1, #fields, 2 do
  local sep = string.find(fields[i+1], "|", 1, true)
  local amt = tonumber(string.sub(fields[i+1], 1, sep - 1))
  local exp = tonumber(string.sub(fields[i+1], sep + 1))
  if exp <= now then
    redis.call("DECRBY", KEYS[1], amt)
    redis.call("HDEL", KEYS[2], fields[i])
    swept = swept + 1
  end
end
`

var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[3])
` + sweepLua + `
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current + amount > limit then
  return {0, current, swept}
end
redis.call("INCRBY", KEYS[1], amount)
redis.call("HSET", KEYS[2], ARGV[5], amount .. "|" .. (now + tonumber(ARGV[4])))
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[6]))
redis.call("PEXPIRE", KEYS[2], tonumber(ARGV[6]))
return {1, current + amount, swept}
`)

var commitScript = redis.NewScript(`
local now = tonumber(ARGV[4])
` + sweepLua + `
local v = redis.call("HGET", KEYS[2], ARGV[1])
if not v then
  return {-1, 0, 0, swept}
end
local sep = string.find(v, "|", 1, true)
local reserved = tonumber(string.sub(v, 1, sep - 1))
local actual = tonumber(ARGV[2])
local slack = tonumber(ARGV[3])
local applied = actual
local overrun = 0
if actual > reserved + slack then
  applied = reserved + slack
  overrun = 1
end
if applied < 0 then
  applied = 0
end
local delta = applied - reserved
if delta ~= 0 then
  redis.call("INCRBY", KEYS[1], delta)
end
redis.call("HDEL", KEYS[2], ARGV[1])
return {1, applied, overrun, swept}
`)

var refundScript = redis.NewScript(`
local now = tonumber(ARGV[2])
` + sweepLua + `
local v = redis.call("HGET", KEYS[2], ARGV[1])
if not v then
  return {-1, swept}
end
local sep = string.find(v, "|", 1, true)
local reserved = tonumber(string.sub(v, 1, sep - 1))
redis.call("DECRBY", KEYS[1], reserved)
redis.call("HDEL", KEYS[2], ARGV[1])
return {1, swept}
`)

var spentScript = redis.NewScript(`
local now = tonumber(ARGV[1])
` + sweepLua + `
return {tonumber(redis.call("GET", KEYS[1]) or "0"), swept}
`)

// RedisLedger is the production ledger. The distributed counter
// serializes concurrent mutations per budget key; every operation is a
// single Lua round trip.
type RedisLedger struct {
	Client      *redis.Client
	LimitMicros int64
	SlackMicros int64
	Grace       time.Duration
	KeyTTL      time.Duration
	Now         func() time.Time
	// OnAutoRefund is invoked with the number of expired reservations
	// reclaimed during an operation, if any.
	OnAutoRefund func(n int)
}

func NewRedisLedger(client *redis.Client, limitMicros int64) *RedisLedger {
	return &RedisLedger{
		Client:      client,
		LimitMicros: limitMicros,
		SlackMicros: limitMicros / 100,
		Grace:       5 * time.Minute,
		KeyTTL:      48 * time.Hour,
		Now:         time.Now,
	}
}

func (l *RedisLedger) keys(userID, day string) []string {
	return []string{
		fmt.Sprintf("budget:%s:%s", day, userID),
		fmt.Sprintf("budgetres:%s:%s", day, userID),
	}
}

func (l *RedisLedger) sweep(n int) {
	if n > 0 && l.OnAutoRefund != nil {
		l.OnAutoRefund(n)
	}
}

func (l *RedisLedger) Reserve(ctx context.Context, userID string, amountMicros int64) (*Reservation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fault.New(fault.ValidationFailed, "user id required")
	}
	if amountMicros <= 0 {
		return nil, fault.New(fault.ValidationFailed, "reservation amount must be positive")
	}
	now := l.Now().UTC()
	day := dayKey(now)
	resID := uuid.NewString()
	res, err := reserveScript.Run(ctx, l.Client, l.keys(userID, day),
		amountMicros,
		l.LimitMicros,
		now.UnixMilli(),
		l.Grace.Milliseconds(),
		resID,
		l.KeyTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, "budget service unavailable", err)
	}
	if len(res) != 3 {
		return nil, fault.New(fault.Internal, "budget reserve returned malformed result")
	}
	l.sweep(int(res[2]))
	if res[0] != 1 {
		return nil, fault.New(fault.BudgetExceeded, "Budget exceeded")
	}
	return &Reservation{
		ID:           resID,
		UserID:       userID,
		Day:          day,
		AmountMicros: amountMicros,
		ExpiresAt:    now.Add(l.Grace),
	}, nil
}

func (l *RedisLedger) Commit(ctx context.Context, res *Reservation, actualMicros int64) (CommitResult, error) {
	if res == nil {
		return CommitResult{}, fault.New(fault.ValidationFailed, "reservation required")
	}
	now := l.Now().UTC()
	vals, err := commitScript.Run(ctx, l.Client, l.keys(res.UserID, res.Day),
		res.ID,
		actualMicros,
		l.SlackMicros,
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return CommitResult{}, fault.Wrap(fault.Unavailable, "budget service unavailable", err)
	}
	if len(vals) != 4 {
		return CommitResult{}, fault.New(fault.Internal, "budget commit returned malformed result")
	}
	l.sweep(int(vals[3]))
	if vals[0] != 1 {
		return CommitResult{Swept: int(vals[3])}, fault.New(fault.Conflict, "reservation already reconciled")
	}
	return CommitResult{
		AppliedMicros: vals[1],
		Overrun:       vals[2] == 1,
		Swept:         int(vals[3]),
	}, nil
}

func (l *RedisLedger) Refund(ctx context.Context, res *Reservation) (int, error) {
	if res == nil {
		return 0, fault.New(fault.ValidationFailed, "reservation required")
	}
	now := l.Now().UTC()
	vals, err := refundScript.Run(ctx, l.Client, l.keys(res.UserID, res.Day),
		res.ID,
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return 0, fault.Wrap(fault.Unavailable, "budget service unavailable", err)
	}
	if len(vals) != 2 {
		return 0, fault.New(fault.Internal, "budget refund returned malformed result")
	}
	l.sweep(int(vals[1]))
	if vals[0] != 1 {
		return int(vals[1]), fault.New(fault.Conflict, "reservation already reconciled")
	}
	return int(vals[1]), nil
}

func (l *RedisLedger) Spent(ctx context.Context, userID string) (int64, error) {
	now := l.Now().UTC()
	vals, err := spentScript.Run(ctx, l.Client, l.keys(userID, dayKey(now)),
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return 0, fault.Wrap(fault.Unavailable, "budget service unavailable", err)
	}
	if len(vals) != 2 {
		return 0, fault.New(fault.Internal, "budget spent returned malformed result")
	}
	l.sweep(int(vals[1]))
	return vals[0], nil
}

// SeedSpend force-sets today's spend counter. Test hook.
func (l *RedisLedger) SeedSpend(ctx context.Context, userID string, micros int64) error {
	key := l.keys(userID, dayKey(l.Now().UTC()))[0]
	return l.Client.Set(ctx, key, strconv.FormatInt(micros, 10), l.KeyTTL).Err()
}
