package identity

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

type identityDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgDirectory is the authorization collaborator backed by the identity
// schema. Every resolve upserts the user row (first sight creates it)
// and flattens the token's group ids through the mapping table.
type PgDirectory struct {
	DB identityDB
}

func (d *PgDirectory) Authorize(ctx context.Context, claims Claims) ([]string, []string, error) {
	if _, err := d.DB.Exec(ctx, `
		INSERT INTO identity.users (user_id, email, last_login_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id)
		DO UPDATE SET email = EXCLUDED.email, last_login_at = now()
	`, claims.Subject, claims.Email); err != nil {
		return nil, nil, fault.Wrap(fault.Internal, "identity store unavailable", err)
	}

	if len(claims.Groups) == 0 {
		return nil, nil, fault.New(fault.Forbidden, "subject has no project access")
	}
	rows, err := d.DB.Query(ctx, `
		SELECT role_name, allowed_auc_ids
		FROM identity.group_mappings
		WHERE sso_group_oid = ANY($1)
	`, claims.Groups)
	if err != nil {
		return nil, nil, fault.Wrap(fault.Internal, "identity store unavailable", err)
	}
	defer rows.Close()

	var projects, roles []string
	for rows.Next() {
		var role string
		var aucIDs []string
		if err := rows.Scan(&role, &aucIDs); err != nil {
			return nil, nil, fault.Wrap(fault.Internal, "identity store unavailable", err)
		}
		roles = append(roles, role)
		projects = append(projects, aucIDs...)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fault.Wrap(fault.Internal, "identity store unavailable", err)
	}
	if len(roles) == 0 {
		return nil, nil, fault.New(fault.Forbidden, "subject has no project access")
	}
	return projects, roles, nil
}

// StaticDirectory serves dev mode and tests from a fixed table.
type StaticDirectory struct {
	// Grants maps group id -> (role, projects).
	Grants map[string]StaticGrant
}

type StaticGrant struct {
	Role     string
	Projects []string
}

func (d *StaticDirectory) Authorize(ctx context.Context, claims Claims) ([]string, []string, error) {
	var projects, roles []string
	for _, g := range claims.Groups {
		grant, ok := d.Grants[g]
		if !ok {
			continue
		}
		roles = append(roles, grant.Role)
		projects = append(projects, grant.Projects...)
	}
	if len(roles) == 0 {
		return nil, nil, fault.New(fault.Forbidden, "subject has no project access")
	}
	return projects, roles, nil
}
