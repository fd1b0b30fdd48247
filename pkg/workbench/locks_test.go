package workbench

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/identity"
)

var (
	alice = identity.Principal{UserID: "alice", Roles: []string{identity.RoleDeveloper}, Projects: []string{"auc-1"}}
	bob   = identity.Principal{UserID: "bob", Roles: []string{identity.RoleDeveloper}, Projects: []string{"auc-1"}}
	mgr   = identity.Principal{UserID: "carol", Roles: []string{identity.RoleManager}, Projects: []string{"auc-1"}}
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time         { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager() (*Manager, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(NewMemoryStore())
	m.Now = clk.now
	return m, clk
}

func mustCreate(t *testing.T, m *Manager, p identity.Principal) *Draft {
	t.Helper()
	d, err := m.Create(context.Background(), p, "auc-1", "payments agent", json.RawMessage(`{"openapi":"3.1.0"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return d
}

func TestLockExclusivityAndExpiry(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager()
	d := mustCreate(t, m, alice)

	g, err := m.Acquire(ctx, alice, d.DraftID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if g.Mode != ModeEdit {
		t.Fatalf("first acquire must grant EDIT, got %s", g.Mode)
	}

	// A second developer is refused while the lock is live.
	if _, err := m.Acquire(ctx, bob, d.DraftID); !fault.IsKind(err, fault.LockConflict) {
		t.Fatalf("expected LOCK_CONFLICT for bob, got %v", err)
	}

	// The holder re-acquires freely.
	if g, err = m.Acquire(ctx, alice, d.DraftID); err != nil || g.Mode != ModeEdit {
		t.Fatalf("holder re-acquire: mode=%v err=%v", g.Mode, err)
	}

	// After expiry the lock is gone and bob takes it.
	clk.advance(LockTTL + time.Second)
	g, err = m.Acquire(ctx, bob, d.DraftID)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if g.Mode != ModeEdit || g.Draft.LockedBy != "bob" {
		t.Fatalf("expired lock must transfer, got %+v", g)
	}
}

func TestManagerSafeViewLeavesLockUntouched(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	d := mustCreate(t, m, alice)

	edit, err := m.Acquire(ctx, alice, d.DraftID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g, err := m.Acquire(ctx, mgr, d.DraftID)
	if err != nil {
		t.Fatalf("manager acquire: %v", err)
	}
	if g.Mode != ModeSafeView || g.Holder != "alice" {
		t.Fatalf("manager must fall back to SAFE_VIEW with holder, got %+v", g)
	}
	if g.Draft.LockedBy != "alice" {
		t.Fatalf("safe view must not steal the lock, locked_by=%q", g.Draft.LockedBy)
	}
	if !g.Draft.UpdatedAt.Equal(edit.Draft.UpdatedAt) {
		t.Fatalf("safe view must not rewrite the row, updated_at moved %v -> %v",
			edit.Draft.UpdatedAt, g.Draft.UpdatedAt)
	}

	// Safe view grants no write access.
	if _, err := m.Update(ctx, mgr, d.DraftID, "", json.RawMessage(`{}`)); !fault.IsKind(err, fault.LockConflict) {
		t.Fatalf("manager write under safe view: expected LOCK_CONFLICT, got %v", err)
	}

	// Alice still edits.
	if _, err := m.Update(ctx, alice, d.DraftID, "payments agent v2", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("holder update: %v", err)
	}
}

func TestHeartbeatExtendsLock(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager()
	d := mustCreate(t, m, alice)

	if _, err := m.Acquire(ctx, alice, d.DraftID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.advance(20 * time.Second)
	if _, err := m.Heartbeat(ctx, alice, d.DraftID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clk.advance(20 * time.Second)
	// 40s after acquire but only 20s after the heartbeat.
	if _, err := m.Update(ctx, alice, d.DraftID, "", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("update after heartbeat: %v", err)
	}

	// A heartbeat on an expired lock fails instead of resurrecting it.
	clk.advance(LockTTL + time.Second)
	if _, err := m.Heartbeat(ctx, alice, d.DraftID); !fault.IsKind(err, fault.LockConflict) {
		t.Fatalf("expected LOCK_CONFLICT on stale heartbeat, got %v", err)
	}
}

func TestUpdateRequiresLiveLock(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager()
	d := mustCreate(t, m, alice)

	if _, err := m.Update(ctx, alice, d.DraftID, "", json.RawMessage(`{}`)); !fault.IsKind(err, fault.LockConflict) {
		t.Fatalf("update without lock: expected LOCK_CONFLICT, got %v", err)
	}
	if _, err := m.Acquire(ctx, alice, d.DraftID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.advance(LockTTL + time.Second)
	if _, err := m.Update(ctx, alice, d.DraftID, "", json.RawMessage(`{}`)); !fault.IsKind(err, fault.LockConflict) {
		t.Fatalf("update on expired lock: expected LOCK_CONFLICT, got %v", err)
	}
}

func TestUpdateRefreshesFingerprint(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	d := mustCreate(t, m, alice)
	before := d.RuntimeFingerprint

	if _, err := m.Acquire(ctx, alice, d.DraftID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	out, err := m.Update(ctx, alice, d.DraftID, "", json.RawMessage(`{"openapi":"3.1.0","paths":{}}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out.RuntimeFingerprint == "" || out.RuntimeFingerprint == before {
		t.Fatalf("fingerprint must track content, before=%q after=%q", before, out.RuntimeFingerprint)
	}
}

func TestApprovalTransitions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	d := mustCreate(t, m, alice)

	// Approve before submission conflicts.
	if _, err := m.Transition(ctx, mgr, d.DraftID, VerbApprove); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("approve on DRAFT: expected CONFLICT, got %v", err)
	}

	// Only the owner submits.
	if _, err := m.Transition(ctx, bob, d.DraftID, VerbSubmit); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("non-owner submit: expected FORBIDDEN, got %v", err)
	}
	out, err := m.Transition(ctx, alice, d.DraftID, VerbSubmit)
	if err != nil || out.Status != StatusPending {
		t.Fatalf("submit: status=%v err=%v", out, err)
	}

	// Developers cannot approve.
	if _, err := m.Transition(ctx, alice, d.DraftID, VerbApprove); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("developer approve: expected FORBIDDEN, got %v", err)
	}

	out, err = m.Transition(ctx, mgr, d.DraftID, VerbApprove)
	if err != nil || out.Status != StatusApproved {
		t.Fatalf("approve: status=%v err=%v", out, err)
	}

	// Terminal states accept nothing further.
	if _, err := m.Transition(ctx, mgr, d.DraftID, VerbReject); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("reject on APPROVED: expected CONFLICT, got %v", err)
	}
	if _, err := m.Transition(ctx, alice, d.DraftID, VerbSubmit); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("resubmit on APPROVED: expected CONFLICT, got %v", err)
	}
}

func TestRejectReturnsToReview(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	d := mustCreate(t, m, alice)
	if _, err := m.Transition(ctx, alice, d.DraftID, VerbSubmit); err != nil {
		t.Fatalf("submit: %v", err)
	}
	out, err := m.Transition(ctx, mgr, d.DraftID, VerbReject)
	if err != nil || out.Status != StatusRejected {
		t.Fatalf("reject: status=%v err=%v", out, err)
	}
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	d := mustCreate(t, m, alice)

	if err := m.SoftDelete(ctx, bob, d.DraftID); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("non-owner delete: expected FORBIDDEN, got %v", err)
	}
	if err := m.SoftDelete(ctx, alice, d.DraftID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Acquire(ctx, alice, d.DraftID); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("acquire after delete: expected NOT_FOUND, got %v", err)
	}
	list, err := m.List(ctx, alice, "auc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("deleted drafts must not be listed, got %d", len(list))
	}
}

func TestProjectMembershipGuard(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	d := mustCreate(t, m, alice)

	outsider := identity.Principal{UserID: "eve", Roles: []string{identity.RoleDeveloper}, Projects: []string{"auc-9"}}
	if _, err := m.Acquire(ctx, outsider, d.DraftID); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("outsider acquire: expected FORBIDDEN, got %v", err)
	}
	if _, err := m.Create(ctx, outsider, "auc-1", "x", nil); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("outsider create: expected FORBIDDEN, got %v", err)
	}
	if _, err := m.List(ctx, outsider, "auc-1"); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("outsider list: expected FORBIDDEN, got %v", err)
	}
}
