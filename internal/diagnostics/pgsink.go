package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSink persists each Snapshot as a row in a Postgres table, for
// deployments that want a durable diagnostics history instead of (or
// alongside) the stdout/file sinks — selected via a `postgres://` or
// `postgresql://` diagnostics.sink DSN.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink connects to dsn and ensures the backing table exists.
func NewPgSink(ctx context.Context, dsn string) (*PgSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: connect postgres sink: %w", err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS corerpc_diagnostics_snapshots (
		id TEXT PRIMARY KEY,
		recorded_at TIMESTAMPTZ NOT NULL,
		snapshot JSONB NOT NULL
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("diagnostics: create postgres sink table: %w", err)
	}
	return &PgSink{pool: pool}, nil
}

func (s *PgSink) Write(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO corerpc_diagnostics_snapshots (id, recorded_at, snapshot) VALUES ($1, $2, $3)`,
		snap.ID, snap.Timestamp, body)
	return err
}

// Close releases the pool. Satisfies io.Closer so NewSink's caller can
// treat every sink kind uniformly.
func (s *PgSink) Close() error {
	s.pool.Close()
	return nil
}
