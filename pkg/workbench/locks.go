package workbench

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/identity"
)

// Manager implements draft CRUD, the pessimistic edit lock with its
// 30-second expiry, and the approval transitions. All mutations run
// under the store's row lock.
type Manager struct {
	Store Store
	Now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{Store: store, Now: time.Now}
}

func (m *Manager) now() time.Time { return m.Now().UTC() }

func (m *Manager) Create(ctx context.Context, p identity.Principal, projectID, title string, content json.RawMessage) (*Draft, error) {
	if !p.HasProject(projectID) {
		return nil, fault.New(fault.Forbidden, "no access to project")
	}
	if strings.TrimSpace(title) == "" {
		return nil, fault.New(fault.ValidationFailed, "title required")
	}
	now := m.now()
	d := &Draft{
		DraftID:            uuid.NewString(),
		OwnerID:            p.UserID,
		ProjectID:          projectID,
		Title:              title,
		Content:            content,
		RuntimeFingerprint: fingerprint(content),
		Status:             StatusDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.Store.Insert(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (m *Manager) List(ctx context.Context, p identity.Principal, projectID string) ([]Draft, error) {
	if !p.HasProject(projectID) {
		return nil, fault.New(fault.Forbidden, "no access to project")
	}
	return m.Store.List(ctx, projectID)
}

// Acquire resolves a read of the draft into an EDIT or SAFE_VIEW
// grant. EDIT takes or refreshes the lock; SAFE_VIEW is the manager
// fallback and never mutates lock fields.
func (m *Manager) Acquire(ctx context.Context, p identity.Principal, draftID string) (*LockGrant, error) {
	now := m.now()
	var grant LockGrant
	d, err := m.Store.Mutate(ctx, draftID, func(d *Draft) error {
		if !p.HasProject(d.ProjectID) {
			return fault.New(fault.Forbidden, "no access to project")
		}
		if !d.lockHeld(now) || d.LockedBy == p.UserID {
			d.LockedBy = p.UserID
			d.LockExpiresAt = now.Add(LockTTL)
			grant = LockGrant{Mode: ModeEdit}
			return nil
		}
		if p.HasRole(identity.RoleManager) {
			grant = LockGrant{Mode: ModeSafeView, Holder: d.LockedBy}
			return nil
		}
		return fault.Errorf(fault.LockConflict, "draft locked by another user until %s", d.LockExpiresAt.Format(time.RFC3339))
	})
	if err != nil {
		return nil, err
	}
	grant.Draft = d
	return &grant, nil
}

// Heartbeat refreshes the caller's live lock.
func (m *Manager) Heartbeat(ctx context.Context, p identity.Principal, draftID string) (*Draft, error) {
	now := m.now()
	return m.Store.Mutate(ctx, draftID, func(d *Draft) error {
		if !p.HasProject(d.ProjectID) {
			return fault.New(fault.Forbidden, "no access to project")
		}
		if !d.lockHeld(now) || d.LockedBy != p.UserID {
			return fault.New(fault.LockConflict, "lock not held")
		}
		d.LockExpiresAt = now.Add(LockTTL)
		return nil
	})
}

// Update replaces the draft content. The caller must hold a live lock;
// a safe-view acquisition never satisfies this.
func (m *Manager) Update(ctx context.Context, p identity.Principal, draftID, title string, content json.RawMessage) (*Draft, error) {
	now := m.now()
	return m.Store.Mutate(ctx, draftID, func(d *Draft) error {
		if !p.HasProject(d.ProjectID) {
			return fault.New(fault.Forbidden, "no access to project")
		}
		if !d.lockHeld(now) || d.LockedBy != p.UserID {
			return fault.New(fault.LockConflict, "lock not held")
		}
		if strings.TrimSpace(title) != "" {
			d.Title = title
		}
		d.Content = content
		d.RuntimeFingerprint = fingerprint(content)
		d.LockExpiresAt = now.Add(LockTTL)
		return nil
	})
}

// Transition applies submit/approve/reject. Submit requires ownership;
// approve and reject require the MANAGER role and a PENDING draft.
func (m *Manager) Transition(ctx context.Context, p identity.Principal, draftID string, verb Verb) (*Draft, error) {
	target, ok := verb.target()
	if !ok {
		return nil, fault.Errorf(fault.ValidationFailed, "unknown transition %q", verb)
	}
	now := m.now()
	return m.Store.Mutate(ctx, draftID, func(d *Draft) error {
		if !p.HasProject(d.ProjectID) {
			return fault.New(fault.Forbidden, "no access to project")
		}
		switch verb {
		case VerbSubmit:
			if d.OwnerID != p.UserID {
				return fault.New(fault.Forbidden, "only the owner may submit")
			}
		case VerbApprove, VerbReject:
			if !p.HasRole(identity.RoleManager) {
				return fault.New(fault.Forbidden, "manager role required")
			}
		}
		if !CanTransition(d.Status, target) {
			return fault.Errorf(fault.Conflict, "cannot %s a draft in status %s", verb, d.Status)
		}
		if d.lockHeld(now) && d.LockedBy != p.UserID && verb == VerbSubmit {
			return fault.New(fault.LockConflict, "draft locked by another user")
		}
		d.Status = target
		// Terminal review decisions release any lingering lock.
		if target == StatusApproved || target == StatusRejected {
			d.clearLock()
		}
		return nil
	})
}

// SoftDelete hides the draft from listings. Owner or manager only.
func (m *Manager) SoftDelete(ctx context.Context, p identity.Principal, draftID string) error {
	now := m.now()
	_, err := m.Store.Mutate(ctx, draftID, func(d *Draft) error {
		if !p.HasProject(d.ProjectID) {
			return fault.New(fault.Forbidden, "no access to project")
		}
		if d.OwnerID != p.UserID && !p.HasRole(identity.RoleManager) {
			return fault.New(fault.Forbidden, "only the owner or a manager may delete")
		}
		if d.lockHeld(now) && d.LockedBy != p.UserID {
			return fault.New(fault.LockConflict, "draft locked by another user")
		}
		d.Deleted = true
		d.clearLock()
		return nil
	})
	return err
}

func fingerprint(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("sha256:%s", hex.EncodeToString(sum[:8]))
}
