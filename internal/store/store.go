// Package store handles all interaction with PostgreSQL: the vulnerability
// and product-identifier tables, the per-mode checkpoints and the append-only
// job log.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vulnwatch/cvesync/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS cve (
	id text PRIMARY KEY,
	published_at timestamptz NOT NULL,
	last_modified_at timestamptz NOT NULL,
	cvss_score numeric,
	cvss_version text,
	severity text,
	impact_type text,
	classification_version text,
	source_identifier text,
	raw jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cve_cpe (
	cve_id text NOT NULL REFERENCES cve(id) ON DELETE CASCADE,
	part text NOT NULL,
	vendor text NOT NULL,
	product text NOT NULL,
	version text,
	criteria text NOT NULL,
	vulnerable boolean NOT NULL DEFAULT false,
	PRIMARY KEY (cve_id, criteria)
);

CREATE INDEX IF NOT EXISTS cve_cpe_vendor_product_idx ON cve_cpe (vendor, product);
CREATE INDEX IF NOT EXISTS cve_last_modified_idx ON cve (last_modified_at);

CREATE TABLE IF NOT EXISTS ingest_checkpoint (
	key text PRIMARY KEY,
	value_ts timestamptz NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingest_job_log (
	id bigserial PRIMARY KEY,
	job_type text NOT NULL,
	window_start timestamptz NOT NULL,
	window_end timestamptz NOT NULL,
	status text NOT NULL,
	requested_count int NOT NULL DEFAULT 0,
	upserted_count int NOT NULL DEFAULT 0,
	failed_count int NOT NULL DEFAULT 0,
	error_message text,
	started_at timestamptz NOT NULL DEFAULT now(),
	finished_at timestamptz
);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

func Open(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() { s.pool.Close() }

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Checkpoint reads the high-water mark for a sync-mode key. The second
// return is false when no checkpoint has been written yet.
func (s *Store) Checkpoint(ctx context.Context, key string) (time.Time, bool, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, `SELECT value_ts FROM ingest_checkpoint WHERE key = $1`, key).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	return ts.UTC(), true, nil
}

// SetCheckpoint advances the high-water mark. Callers only invoke this
// after the corresponding window's batches have committed.
func (s *Store) SetCheckpoint(ctx context.Context, key string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_checkpoint (key, value_ts, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value_ts = EXCLUDED.value_ts, updated_at = now()`,
		key, ts)
	if err != nil {
		return fmt.Errorf("set checkpoint %s: %w", key, err)
	}
	return nil
}

// CreateJobLog opens the audit entry for one run.
func (s *Store) CreateJobLog(ctx context.Context, jobType string, start, end time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingest_job_log (job_type, window_start, window_end, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		jobType, start, end, types.StatusRunning).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create job log: %w", err)
	}
	return id, nil
}

// FinishJobLog closes the audit entry. Entries are never mutated again.
func (s *Store) FinishJobLog(ctx context.Context, id int64, status string, counts types.Counts, errText string) error {
	var errVal *string
	if errText != "" {
		errVal = &errText
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_job_log
		SET status = $1,
			requested_count = $2,
			upserted_count = $3,
			failed_count = $4,
			error_message = $5,
			finished_at = now()
		WHERE id = $6`,
		status, counts.Requested, counts.Upserted, counts.Failed, errVal, id)
	if err != nil {
		return fmt.Errorf("finish job log %d: %w", id, err)
	}
	return nil
}
