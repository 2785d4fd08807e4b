package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/model"
)

const runSchema = `
CREATE TABLE IF NOT EXISTS report_runs (
	id           TEXT PRIMARY KEY,
	report_id    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	decision     TEXT NOT NULL DEFAULT '',
	final_status TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	written      BOOLEAN NOT NULL DEFAULT FALSE,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS report_runs_report_started_idx
	ON report_runs (report_id, started_at DESC);
`

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PgRunStore is a PostgreSQL-backed RunStore using pgx/v5.
type PgRunStore struct {
	pool *pgxpool.Pool
}

// NewPgRunStore creates a new PostgreSQL run store.
func NewPgRunStore(pool *pgxpool.Pool) *PgRunStore {
	return &PgRunStore{pool: pool}
}

// OpenPgRunStore connects a pool with the configured limits and verifies it.
func OpenPgRunStore(ctx context.Context, dsn string, cfg config.RunStoreConfig) (*PgRunStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("run store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("run store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run store: ping: %w", err)
	}
	return NewPgRunStore(pool), nil
}

// EnsureSchema creates the run table and index if they do not exist.
func (s *PgRunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, runSchema); err != nil {
		return fmt.Errorf("create run schema: %w", err)
	}
	return nil
}

// Save inserts a run.
func (s *PgRunStore) Save(ctx context.Context, run model.RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO report_runs (
			id, report_id, outcome, decision, final_status,
			reason, attempts, written, error, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.ReportID, run.Outcome, string(run.Decision), string(run.FinalStatus),
		run.Reason, run.Attempts, run.Written, run.Error, run.StartedAt, run.FinishedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("run %q already recorded", run.ID))
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListByReport returns the newest runs for a report first.
func (s *PgRunStore) ListByReport(ctx context.Context, reportID string, limit int) ([]model.RunRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, report_id, outcome, decision, final_status,
		       reason, attempts, written, error, started_at, finished_at
		FROM report_runs
		WHERE report_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		reportID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []model.RunRecord{}
	for rows.Next() {
		var run model.RunRecord
		var decision, finalStatus string
		if err := rows.Scan(
			&run.ID, &run.ReportID, &run.Outcome, &decision, &finalStatus,
			&run.Reason, &run.Attempts, &run.Written, &run.Error, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Decision = model.Status(decision)
		run.FinalStatus = model.Status(finalStatus)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// HealthCheck pings the database.
func (s *PgRunStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PgRunStore) Close() {
	s.pool.Close()
}
