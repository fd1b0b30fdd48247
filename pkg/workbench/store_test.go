package workbench

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type draftRow struct{ d Draft }

func (r draftRow) Scan(dest ...any) error {
	*dest[0].(*string) = r.d.DraftID
	*dest[1].(*string) = r.d.OwnerID
	*dest[2].(*string) = r.d.ProjectID
	*dest[3].(*string) = r.d.Title
	*dest[4].(*[]byte) = []byte(r.d.Content)
	*dest[5].(*string) = r.d.RuntimeFingerprint
	*dest[6].(*string) = r.d.Status
	*dest[7].(*bool) = r.d.Deleted
	*dest[8].(*string) = r.d.LockedBy
	*dest[9].(*time.Time) = r.d.LockExpiresAt
	*dest[10].(*time.Time) = r.d.CreatedAt
	*dest[11].(*time.Time) = r.d.UpdatedAt
	return nil
}

type fakeDraftTx struct {
	pgx.Tx
	row       pgx.Row
	execs     int
	committed bool
}

func (t *fakeDraftTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.row
}

func (t *fakeDraftTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs++
	return pgconn.CommandTag{}, nil
}

func (t *fakeDraftTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeDraftTx) Rollback(ctx context.Context) error { return nil }

type fakeDraftDB struct{ tx *fakeDraftTx }

func (db *fakeDraftDB) Begin(ctx context.Context) (pgx.Tx, error) { return db.tx, nil }

func (db *fakeDraftDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (db *fakeDraftDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func storedDraft() Draft {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return Draft{
		DraftID:   "d1",
		OwnerID:   "alice",
		ProjectID: "auc-1",
		Title:     "payments agent",
		Content:   json.RawMessage(`{"openapi":"3.1.0"}`),
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPgMutateSkipsWriteWhenUnchanged(t *testing.T) {
	tx := &fakeDraftTx{row: draftRow{d: storedDraft()}}
	s := &PgStore{DB: &fakeDraftDB{tx: tx}}
	got, err := s.Mutate(context.Background(), "d1", func(d *Draft) error { return nil })
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if tx.execs != 0 {
		t.Fatalf("read-only callback must not rewrite the row, got %d writes", tx.execs)
	}
	if !tx.committed {
		t.Fatal("transaction must still commit to release the row lock")
	}
	if !got.UpdatedAt.Equal(storedDraft().UpdatedAt) {
		t.Fatalf("updated_at must not move: %v", got.UpdatedAt)
	}
}

func TestPgMutateWritesWhenChanged(t *testing.T) {
	tx := &fakeDraftTx{row: draftRow{d: storedDraft()}}
	s := &PgStore{DB: &fakeDraftDB{tx: tx}}
	got, err := s.Mutate(context.Background(), "d1", func(d *Draft) error {
		d.Title = "payments agent v2"
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if tx.execs != 1 {
		t.Fatalf("expected one row write, got %d", tx.execs)
	}
	if !tx.committed {
		t.Fatal("transaction must commit")
	}
	if got.UpdatedAt.Equal(storedDraft().UpdatedAt) {
		t.Fatal("updated_at must advance on a real change")
	}
}
