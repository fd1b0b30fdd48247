// Package inference invokes the upstream model behind a per-model
// circuit breaker with deterministic request parameters.
package inference

import (
	"sync"
	"time"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker tracks upstream health per model. Closed counts failures in
// a sliding window; at the threshold it opens and fails fast for the
// cooldown; after the cooldown a single probe is let through.
type Breaker struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
	Now       func() time.Time
	// OnStateChange fires outside the lock with the model and new state.
	OnStateChange func(model string, state BreakerState)

	mu     sync.Mutex
	models map[string]*breakerEntry
}

type breakerEntry struct {
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probing  bool
}

func NewBreaker() *Breaker {
	return &Breaker{
		Threshold: 5,
		Window:    10 * time.Second,
		Cooldown:  60 * time.Second,
		Now:       time.Now,
		models:    map[string]*breakerEntry{},
	}
}

func (b *Breaker) entry(model string) *breakerEntry {
	e, ok := b.models[model]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		b.models[model] = e
	}
	return e
}

// Allow reports whether a call to the model may proceed. While Open it
// fails immediately; the first caller after the cooldown takes the
// half-open probe slot.
func (b *Breaker) Allow(model string) error {
	now := b.Now()
	var changed BreakerState
	b.mu.Lock()
	e := b.entry(model)
	switch e.state {
	case StateOpen:
		if now.Sub(e.openedAt) < b.Cooldown {
			b.mu.Unlock()
			return fault.Errorf(fault.Unavailable, "model %s unavailable, retry after cooldown", model)
		}
		e.state = StateHalfOpen
		e.probing = true
		changed = StateHalfOpen
	case StateHalfOpen:
		if e.probing {
			b.mu.Unlock()
			return fault.Errorf(fault.Unavailable, "model %s probe in flight", model)
		}
		e.probing = true
	}
	b.mu.Unlock()
	if changed != "" && b.OnStateChange != nil {
		b.OnStateChange(model, changed)
	}
	return nil
}

// RecordSuccess closes the breaker for the model.
func (b *Breaker) RecordSuccess(model string) {
	var changed BreakerState
	b.mu.Lock()
	e := b.entry(model)
	if e.state != StateClosed {
		e.state = StateClosed
		changed = StateClosed
	}
	e.failures = nil
	e.probing = false
	b.mu.Unlock()
	if changed != "" && b.OnStateChange != nil {
		b.OnStateChange(model, changed)
	}
}

// RecordFailure counts a breaker-relevant failure. A failed half-open
// probe reopens immediately; in Closed, crossing the threshold inside
// the window opens.
func (b *Breaker) RecordFailure(model string) {
	now := b.Now()
	var changed BreakerState
	b.mu.Lock()
	e := b.entry(model)
	switch e.state {
	case StateHalfOpen:
		e.state = StateOpen
		e.openedAt = now
		e.failures = nil
		e.probing = false
		changed = StateOpen
	case StateClosed:
		cutoff := now.Add(-b.Window)
		kept := e.failures[:0]
		for _, ts := range e.failures {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		e.failures = append(kept, now)
		if len(e.failures) >= b.Threshold {
			e.state = StateOpen
			e.openedAt = now
			e.failures = nil
			changed = StateOpen
		}
	}
	b.mu.Unlock()
	if changed != "" && b.OnStateChange != nil {
		b.OnStateChange(model, changed)
	}
}

func (b *Breaker) State(model string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(model).state
}
