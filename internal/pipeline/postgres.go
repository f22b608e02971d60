package pipeline

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/modelrelay/dispatch/pkg/types"
)

// PostgresSink persists snapshots to the request_logs table. Callers
// provide an opened *sql.DB (lib/pq driver) and own its lifecycle.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// EnsureSchema creates the request_logs table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS request_logs (
			request_id    TEXT PRIMARY KEY,
			tenant_key    TEXT NOT NULL,
			endpoint      TEXT NOT NULL,
			model         TEXT,
			channel       TEXT,
			supplier      TEXT,
			request_at    TIMESTAMPTZ NOT NULL,
			duration_ms   BIGINT NOT NULL,
			status_code   INT NOT NULL,
			success       BOOLEAN NOT NULL,
			error         TEXT,
			request_body  TEXT,
			response_body TEXT,
			usage         JSONB,
			cost          DOUBLE PRECISION NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("create request_logs table: %w", err)
	}
	return nil
}

// Name implements Handler.
func (s *PostgresSink) Name() string { return "postgres" }

// Handle implements Handler.
func (s *PostgresSink) Handle(ctx context.Context, snap *types.Snapshot) error {
	usageJSON, _ := json.Marshal(snap.Usage)

	query := `
		INSERT INTO request_logs (
			request_id, tenant_key, endpoint, model, channel, supplier,
			request_at, duration_ms, status_code, success, error,
			request_body, response_body, usage, cost
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (request_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		snap.RequestID, snap.TenantKey, snap.Endpoint, snap.Model, snap.Channel,
		snap.Supplier, snap.RequestAt, snap.Duration.Milliseconds(), snap.StatusCode,
		snap.Success, snap.Error, snap.RequestBody, snap.ResponseBody,
		string(usageJSON), snap.Cost,
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}
