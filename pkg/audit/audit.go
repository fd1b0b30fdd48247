// Package audit persists immutable telemetry records. Records reach
// this package scrubbed; nothing here may see clear text.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is the only representation of a governed request that reaches
// storage. Payload fields hold scrubbed content; Category carries the
// failure kind for requests that errored after reservation.
type Record struct {
	RecordID         string          `json:"record_id"`
	UserID           string          `json:"user_id"`
	ProjectID        string          `json:"project_id"`
	Model            string          `json:"model"`
	ScrubbedRequest  json.RawMessage `json:"scrubbed_request"`
	ScrubbedResponse json.RawMessage `json:"scrubbed_response"`
	CostMicros       int64           `json:"cost_micros"`
	LatencyMS        int64           `json:"latency_ms"`
	Category         string          `json:"category,omitempty"`
	BudgetOverrun    bool            `json:"budget_overrun,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Writer appends records to the partitioned telemetry table. Inserts
// are idempotent on record_id so worker retries cannot double-write.
type Writer struct {
	DB       auditDB
	HashSalt []byte
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	userRef := rec.UserID
	if len(w.HashSalt) > 0 {
		userRef = HashSubject(rec.UserID, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO telemetry.telemetry_logs
		(record_id, user_ref, auc_id, model_name, request_payload, response_payload,
		 cost_micros, latency_ms, category, budget_overrun, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (record_id, created_at) DO NOTHING
	`, rec.RecordID, userRef, rec.ProjectID, rec.Model, rec.ScrubbedRequest, rec.ScrubbedResponse,
		rec.CostMicros, rec.LatencyMS, rec.Category, rec.BudgetOverrun, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, recordID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT record_id, user_ref, auc_id, model_name, request_payload, response_payload,
		       cost_micros, latency_ms, category, budget_overrun, created_at
		FROM telemetry.telemetry_logs WHERE record_id = $1
	`, recordID)
	err := row.Scan(&rec.RecordID, &rec.UserID, &rec.ProjectID, &rec.Model,
		&rec.ScrubbedRequest, &rec.ScrubbedResponse, &rec.CostMicros, &rec.LatencyMS,
		&rec.Category, &rec.BudgetOverrun, &rec.CreatedAt)
	return rec, err
}
