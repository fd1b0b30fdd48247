package vault

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

type vaultDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists ciphertext rows keyed by (project, service).
type Store struct {
	DB vaultDB
}

type SecretMeta struct {
	SecretID    string
	ProjectID   string
	ServiceName string
	KeyVersion  string
	CreatedAt   time.Time
}

// Put upserts the ciphertext for a (project, service) pair. Writing a
// pair twice replaces the previous value.
func (s *Store) Put(ctx context.Context, projectID, serviceName, encrypted, keyVersion string) (SecretMeta, error) {
	var meta SecretMeta
	row := s.DB.QueryRow(ctx, `
		INSERT INTO vault.secrets (auc_id, service_name, encrypted_value, key_version, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (auc_id, service_name)
		DO UPDATE SET encrypted_value = EXCLUDED.encrypted_value,
		              key_version = EXCLUDED.key_version,
		              updated_at = now()
		RETURNING secret_id, auc_id, service_name, key_version, created_at
	`, projectID, serviceName, encrypted, keyVersion)
	if err := row.Scan(&meta.SecretID, &meta.ProjectID, &meta.ServiceName, &meta.KeyVersion, &meta.CreatedAt); err != nil {
		return SecretMeta{}, fault.Wrap(fault.Internal, "vault write failed", err)
	}
	return meta, nil
}

func (s *Store) GetCiphertext(ctx context.Context, projectID, serviceName string) (string, error) {
	var blob string
	row := s.DB.QueryRow(ctx, `
		SELECT encrypted_value FROM vault.secrets
		WHERE auc_id = $1 AND service_name = $2
	`, projectID, serviceName)
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fault.Errorf(fault.NotFound, "no secret for service %s", serviceName)
		}
		return "", fault.Wrap(fault.Internal, "vault read failed", err)
	}
	return blob, nil
}
