// Package budget implements daily spend accounting with
// reserve/commit/refund semantics. Amounts are integer micro-units
// end to end; floating-point never enters the ledger path.
package budget

import (
	"context"
	"time"
)

// Reservation is the token handed back by Reserve. It pins the ledger
// day so a commit that crosses UTC midnight still reconciles the day
// the spend was gated on.
type Reservation struct {
	ID           string
	UserID       string
	Day          string
	AmountMicros int64
	ExpiresAt    time.Time
}

type CommitResult struct {
	// AppliedMicros is the spend recorded for this reservation after
	// clamping to the overrun slack.
	AppliedMicros int64
	// Overrun reports that the actual cost exceeded the reservation by
	// more than the slack. The spend is clamped; the caller tags
	// telemetry instead of failing the already-served response.
	Overrun bool
	// Swept is the number of expired reservations auto-refunded while
	// touching the key.
	Swept int
}

type Ledger interface {
	// Reserve gates the request. It atomically checks spend+amount
	// against the daily limit and records a reservation that expires
	// after the grace window.
	Reserve(ctx context.Context, userID string, amountMicros int64) (*Reservation, error)
	// Commit converts a reservation into recorded spend, adjusting for
	// the difference between the reserved and actual amounts.
	Commit(ctx context.Context, res *Reservation, actualMicros int64) (CommitResult, error)
	// Refund releases the full reservation.
	Refund(ctx context.Context, res *Reservation) (int, error)
	// Spent reports today's recorded spend for the user.
	Spent(ctx context.Context, userID string) (int64, error)
}

// dayKey names the UTC calendar date a spend counter belongs to.
func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
