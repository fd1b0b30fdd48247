// Package workbench owns draft persistence, the pessimistic edit lock,
// and the approval state machine.
package workbench

import (
	"encoding/json"
	"time"
)

const (
	StatusDraft    = "DRAFT"
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// LockTTL is the dead-man's switch: a holder that stops heartbeating
// loses the lock this long after the last refresh.
const LockTTL = 30 * time.Second

type Draft struct {
	DraftID            string          `json:"draft_id"`
	OwnerID            string          `json:"owner_id"`
	ProjectID          string          `json:"auc_id"`
	Title              string          `json:"title"`
	Content            json.RawMessage `json:"oas_content,omitempty"`
	RuntimeFingerprint string          `json:"runtime_fingerprint,omitempty"`
	Status             string          `json:"status"`
	Deleted            bool            `json:"-"`
	LockedBy           string          `json:"locked_by,omitempty"`
	LockExpiresAt      time.Time       `json:"lock_expires_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// unchangedSince reports whether every persisted field still matches
// the pre-callback snapshot. Read-only operations (a manager SAFE_VIEW
// acquire) skip the write so updated_at stays honest.
func (d *Draft) unchangedSince(before *Draft) bool {
	return d.Title == before.Title &&
		string(d.Content) == string(before.Content) &&
		d.RuntimeFingerprint == before.RuntimeFingerprint &&
		d.Status == before.Status &&
		d.Deleted == before.Deleted &&
		d.LockedBy == before.LockedBy &&
		d.LockExpiresAt.Equal(before.LockExpiresAt)
}

// lockHeld reports whether d carries a live lock. An expired lock is
// treated as absent everywhere.
func (d *Draft) lockHeld(now time.Time) bool {
	return d.LockedBy != "" && now.Before(d.LockExpiresAt)
}

func (d *Draft) clearLock() {
	d.LockedBy = ""
	d.LockExpiresAt = time.Time{}
}

// CanTransition is the approval state machine. Terminal states accept
// no further transitions.
func CanTransition(from, to string) bool {
	switch from {
	case StatusDraft:
		return to == StatusPending
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	default:
		return false
	}
}

type Verb string

const (
	VerbSubmit  Verb = "submit"
	VerbApprove Verb = "approve"
	VerbReject  Verb = "reject"
)

func (v Verb) target() (string, bool) {
	switch v {
	case VerbSubmit:
		return StatusPending, true
	case VerbApprove:
		return StatusApproved, true
	case VerbReject:
		return StatusRejected, true
	default:
		return "", false
	}
}

// LockMode is how an acquire resolved.
type LockMode string

const (
	// ModeEdit grants exclusive write access until the lock expires.
	ModeEdit LockMode = "EDIT"
	// ModeSafeView is the manager read-only path; the holder's lock is
	// left untouched.
	ModeSafeView LockMode = "SAFE_VIEW"
)

type LockGrant struct {
	Mode   LockMode
	Holder string
	Draft  *Draft
}
