package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type stubRow struct{ err error }

func (r stubRow) Scan(dest ...any) error { return r.err }

type stubPool struct{}

func (stubPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not wired in test")
}

func (stubPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (stubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not wired in test")
}

func (stubPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return stubRow{err: pgx.ErrNoRows}
}

func (stubPool) Close() {}

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func setGatewayEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("VAULT_MASTER_KEY", strings.Repeat("ab", 32))
	t.Setenv("GATEWAY_TOKEN_SECRET", "unit-test-secret")
	t.Setenv("TELEMETRY_HASH_SALT", "unit-test-salt")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("AUTH_MODE", "hs256")
	t.Setenv("DEV_AUTH_ENABLED", "false")
}

func TestRunGatewayWiresServer(t *testing.T) {
	setGatewayEnv(t)

	var captured *http.Server
	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return stubPool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error {
			captured = server
			return nil
		},
		func(s *Server) {},
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("expected listen to receive a configured server")
	}
	if captured.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %q", captured.Addr)
	}
}

func TestRunGatewayFailsWithoutMasterKey(t *testing.T) {
	setGatewayEnv(t)
	t.Setenv("VAULT_MASTER_KEY", "")

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return stubPool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil {
		t.Fatal("expected error without VAULT_MASTER_KEY")
	}
}

func TestRunGatewayFailsOnDBError(t *testing.T) {
	setGatewayEnv(t)

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("pg down") },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "db") {
		t.Fatalf("expected db error, got %v", err)
	}
}

func TestRunGatewayRejectsUnknownAuthMode(t *testing.T) {
	setGatewayEnv(t)
	t.Setenv("AUTH_MODE", "kerberos")

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return stubPool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "AUTH_MODE") {
		t.Fatalf("expected auth mode error, got %v", err)
	}
}

func TestRunGatewayRequiresJWKSURLForOIDC(t *testing.T) {
	setGatewayEnv(t)
	t.Setenv("AUTH_MODE", "oidc_rs256")
	t.Setenv("OIDC_JWKS_URL", "")

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return stubPool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "OIDC_JWKS_URL") {
		t.Fatalf("expected jwks url error, got %v", err)
	}
}
