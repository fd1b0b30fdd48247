package budget

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

// MemoryLedger mirrors the Redis ledger for single-process use.
type MemoryLedger struct {
	mu           sync.Mutex
	LimitMicros  int64
	SlackMicros  int64
	Grace        time.Duration
	Now          func() time.Time
	OnAutoRefund func(n int)

	spend map[string]int64           // dayKey -> micros
	open  map[string]memReservation  // reservation id -> pending
}

type memReservation struct {
	key       string
	amount    int64
	expiresAt time.Time
}

func NewMemoryLedger(limitMicros int64) *MemoryLedger {
	return &MemoryLedger{
		LimitMicros: limitMicros,
		SlackMicros: limitMicros / 100,
		Grace:       5 * time.Minute,
		Now:         time.Now,
		spend:       map[string]int64{},
		open:        map[string]memReservation{},
	}
}

func (l *MemoryLedger) key(userID, day string) string { return day + ":" + userID }

func (l *MemoryLedger) sweepLocked(now time.Time) int {
	swept := 0
	for id, r := range l.open {
		if !now.Before(r.expiresAt) {
			l.spend[r.key] -= r.amount
			delete(l.open, id)
			swept++
		}
	}
	if swept > 0 && l.OnAutoRefund != nil {
		l.OnAutoRefund(swept)
	}
	return swept
}

func (l *MemoryLedger) Reserve(ctx context.Context, userID string, amountMicros int64) (*Reservation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fault.New(fault.ValidationFailed, "user id required")
	}
	if amountMicros <= 0 {
		return nil, fault.New(fault.ValidationFailed, "reservation amount must be positive")
	}
	now := l.Now().UTC()
	day := dayKey(now)
	key := l.key(userID, day)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	if l.spend[key]+amountMicros > l.LimitMicros {
		return nil, fault.New(fault.BudgetExceeded, "Budget exceeded")
	}
	id := uuid.NewString()
	l.spend[key] += amountMicros
	l.open[id] = memReservation{key: key, amount: amountMicros, expiresAt: now.Add(l.Grace)}
	return &Reservation{ID: id, UserID: userID, Day: day, AmountMicros: amountMicros, ExpiresAt: now.Add(l.Grace)}, nil
}

func (l *MemoryLedger) Commit(ctx context.Context, res *Reservation, actualMicros int64) (CommitResult, error) {
	if res == nil {
		return CommitResult{}, fault.New(fault.ValidationFailed, "reservation required")
	}
	now := l.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	swept := l.sweepLocked(now)
	r, ok := l.open[res.ID]
	if !ok {
		return CommitResult{Swept: swept}, fault.New(fault.Conflict, "reservation already reconciled")
	}
	applied := actualMicros
	overrun := false
	if applied > r.amount+l.SlackMicros {
		applied = r.amount + l.SlackMicros
		overrun = true
	}
	if applied < 0 {
		applied = 0
	}
	l.spend[r.key] += applied - r.amount
	delete(l.open, res.ID)
	return CommitResult{AppliedMicros: applied, Overrun: overrun, Swept: swept}, nil
}

func (l *MemoryLedger) Refund(ctx context.Context, res *Reservation) (int, error) {
	if res == nil {
		return 0, fault.New(fault.ValidationFailed, "reservation required")
	}
	now := l.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	swept := l.sweepLocked(now)
	r, ok := l.open[res.ID]
	if !ok {
		return swept, fault.New(fault.Conflict, "reservation already reconciled")
	}
	l.spend[r.key] -= r.amount
	delete(l.open, res.ID)
	return swept, nil
}

func (l *MemoryLedger) Spent(ctx context.Context, userID string) (int64, error) {
	now := l.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	return l.spend[l.key(userID, dayKey(now))], nil
}
