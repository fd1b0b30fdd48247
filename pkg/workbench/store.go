package workbench

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

type workbenchDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store abstracts draft persistence. Mutate is the transactional
// read-modify-write primitive every lock and status operation is built
// on; implementations must hold a row-level lock for the duration of
// the callback.
type Store interface {
	Insert(ctx context.Context, d *Draft) error
	List(ctx context.Context, projectID string) ([]Draft, error)
	Mutate(ctx context.Context, draftID string, fn func(d *Draft) error) (*Draft, error)
}

const draftColumns = `
	draft_id, owner_id, auc_id, title, oas_content, runtime_fingerprint,
	status, is_deleted, COALESCE(locked_by_user, ''), COALESCE(lock_expiry, 'epoch'::timestamptz),
	created_at, updated_at
`

// PgStore keeps drafts in the workbench schema. Mutate wraps the
// callback in SELECT ... FOR UPDATE so concurrent acquires serialize on
// the row.
type PgStore struct {
	DB workbenchDB
}

func (s *PgStore) Insert(ctx context.Context, d *Draft) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO workbench.agent_drafts
		(draft_id, owner_id, auc_id, title, oas_content, runtime_fingerprint, status, search_tsv, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, to_tsvector('simple', $4), now(), now())
	`, d.DraftID, d.OwnerID, d.ProjectID, d.Title, d.Content, d.RuntimeFingerprint, d.Status)
	if err != nil {
		return fault.Wrap(fault.Internal, "draft store unavailable", err)
	}
	return nil
}

// List returns live drafts for a project. Content is omitted; the
// list view is metadata only.
func (s *PgStore) List(ctx context.Context, projectID string) ([]Draft, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT draft_id, owner_id, auc_id, title, status,
		       COALESCE(locked_by_user, ''), COALESCE(lock_expiry, 'epoch'::timestamptz),
		       created_at, updated_at
		FROM workbench.agent_drafts
		WHERE auc_id = $1 AND is_deleted = false
		ORDER BY updated_at DESC
	`, projectID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "draft store unavailable", err)
	}
	defer rows.Close()
	var out []Draft
	for rows.Next() {
		var d Draft
		if err := rows.Scan(&d.DraftID, &d.OwnerID, &d.ProjectID, &d.Title, &d.Status,
			&d.LockedBy, &d.LockExpiresAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fault.Wrap(fault.Internal, "draft store unavailable", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, "draft store unavailable", err)
	}
	return out, nil
}

func (s *PgStore) Mutate(ctx context.Context, draftID string, fn func(d *Draft) error) (*Draft, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "draft store unavailable", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var d Draft
	var content []byte
	row := tx.QueryRow(ctx, `
		SELECT `+draftColumns+`
		FROM workbench.agent_drafts
		WHERE draft_id = $1 AND is_deleted = false
		FOR UPDATE
	`, draftID)
	if err := row.Scan(&d.DraftID, &d.OwnerID, &d.ProjectID, &d.Title, &content, &d.RuntimeFingerprint,
		&d.Status, &d.Deleted, &d.LockedBy, &d.LockExpiresAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "draft not found")
		}
		return nil, fault.Wrap(fault.Internal, "draft store unavailable", err)
	}
	d.Content = json.RawMessage(content)
	before := d

	if err := fn(&d); err != nil {
		return nil, err
	}
	if d.unchangedSince(&before) {
		if err := tx.Commit(ctx); err != nil {
			return nil, fault.Wrap(fault.Internal, "draft store unavailable", err)
		}
		return &d, nil
	}

	var lockedBy any
	var lockExpiry any
	if d.LockedBy != "" {
		lockedBy = d.LockedBy
		lockExpiry = d.LockExpiresAt
	}
	d.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE workbench.agent_drafts
		SET title = $2, oas_content = $3, runtime_fingerprint = $4, status = $5,
		    is_deleted = $6, locked_by_user = $7, lock_expiry = $8,
		    search_tsv = to_tsvector('simple', $2), updated_at = $9
		WHERE draft_id = $1
	`, d.DraftID, d.Title, d.Content, d.RuntimeFingerprint, d.Status,
		d.Deleted, lockedBy, lockExpiry, d.UpdatedAt); err != nil {
		return nil, fault.Wrap(fault.Internal, "draft store unavailable", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fault.Wrap(fault.Internal, "draft store unavailable", err)
	}
	return &d, nil
}
