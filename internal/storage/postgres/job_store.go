// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/selextract/scrape-engine/internal/engine"
)

// JobStoreConfig controls the Postgres connection pool used for job state.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore persists jobs, per-URL attempts, and the compute-unit ledger.
type JobStore struct {
	pool dbPool
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewJobStoreWithPool(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// GetJob fetches a job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (engine.Job, error) {
	const query = `
SELECT id, owner_id, job_type, status, config, attempt_count,
       created_at, started_at, completed_at, compute_units, error_text, result_uri
FROM jobs WHERE id = $1`

	var job engine.Job
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.OwnerID,
		&job.Type,
		&job.Status,
		&job.RawConfig,
		&job.AttemptCount,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ComputeUnits,
		&job.ErrorText,
		&job.ResultURI,
	)
	if err != nil {
		return engine.Job{}, fmt.Errorf("select job %s: %w", jobID, err)
	}
	return job, nil
}

// MarkRunning transitions the job to running, keeping the original start time
// on redelivery.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, startedAt time.Time) error {
	const query = `
UPDATE jobs SET status = $2, started_at = COALESCE(started_at, $3)
WHERE id = $1 AND status IN ($4, $5)`

	tag, err := s.pool.Exec(ctx, query,
		jobID, engine.JobStatusRunning, startedAt,
		engine.JobStatusPending, engine.JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not runnable", jobID)
	}
	return nil
}

// IsCancelled reports whether cancellation was requested for the job.
func (s *JobStore) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	const query = `SELECT cancel_requested FROM jobs WHERE id = $1`

	var cancelled bool
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&cancelled); err != nil {
		return false, fmt.Errorf("check cancellation for job %s: %w", jobID, err)
	}
	return cancelled, nil
}

// CreateJob inserts a new pending job row.
func (s *JobStore) CreateJob(ctx context.Context, job engine.Job) error {
	const query = `
INSERT INTO jobs (id, owner_id, job_type, status, config, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`

	if _, err := s.pool.Exec(ctx, query,
		job.ID, job.OwnerID, job.Type, engine.JobStatusPending, []byte(job.RawConfig), job.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Cancel records a cancellation request. The status is left alone; the runner
// finalizes the job as cancelled with whatever attempts completed.
func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	const query = `
UPDATE jobs SET cancel_requested = TRUE
WHERE id = $1 AND status NOT IN ($2, $3, $4)`

	tag, err := s.pool.Exec(ctx, query, jobID,
		engine.JobStatusCompleted, engine.JobStatusFailed, engine.JobStatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not cancellable", jobID)
	}
	return nil
}

// FinalizeJob applies the terminal status, attempt rows, and ledger debit in
// one transaction. The status update is guarded so a redelivered finalize
// against an already-terminal job commits nothing, and the ledger insert is
// keyed by job ID so the debit can never double-apply.
func (s *JobStore) FinalizeJob(ctx context.Context, fin engine.Finalization) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const updateJob = `
UPDATE jobs SET status = $2, error_text = $3, result_uri = $4,
       attempt_count = $5, compute_units = $6, completed_at = $7
WHERE id = $1 AND status NOT IN ($8, $9, $10)`

	tag, err := tx.Exec(ctx, updateJob,
		fin.JobID, fin.Status, fin.ErrorText, fin.ResultURI,
		len(fin.Attempts), fin.Debit.Units, fin.CompletedAt,
		engine.JobStatusCompleted, engine.JobStatusFailed, engine.JobStatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", fin.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already finalized by an earlier delivery.
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM job_attempts WHERE job_id = $1`, fin.JobID); err != nil {
		return fmt.Errorf("clear attempts for job %s: %w", fin.JobID, err)
	}
	const insertAttempt = `
INSERT INTO job_attempts (
	job_id, url_index, url, success, fields, error_text, error_kind, attempts, pages, elapsed_ms, proxy
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	for i, a := range fin.Attempts {
		fieldsJSON, err := json.Marshal(a.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields for %s: %w", a.URL, err)
		}
		if _, err := tx.Exec(ctx, insertAttempt,
			fin.JobID, i, a.URL, a.Success, fieldsJSON,
			a.Error, string(a.Kind), a.Attempts, a.Pages, a.Elapsed.Milliseconds(), a.Proxy,
		); err != nil {
			return fmt.Errorf("insert attempt for %s: %w", a.URL, err)
		}
	}

	if fin.Debit.Units > 0 {
		const insertDebit = `
INSERT INTO compute_ledger (job_id, owner_id, units, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (job_id) DO NOTHING`
		if _, err := tx.Exec(ctx, insertDebit,
			fin.JobID, fin.Debit.OwnerID, fin.Debit.Units, fin.Debit.Timestamp,
		); err != nil {
			return fmt.Errorf("insert debit for job %s: %w", fin.JobID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize tx: %w", err)
	}
	return nil
}

// ListAttempts returns the stored attempts for a job in input URL order.
func (s *JobStore) ListAttempts(ctx context.Context, jobID string) ([]engine.ExecutionAttempt, error) {
	const query = `
SELECT url, success, fields, error_text, error_kind, attempts, pages, elapsed_ms, proxy
FROM job_attempts WHERE job_id = $1 ORDER BY url_index`

	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("select attempts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var attempts []engine.ExecutionAttempt
	for rows.Next() {
		var (
			a          engine.ExecutionAttempt
			fieldsJSON []byte
			kind       string
			elapsedMS  int64
		)
		if err := rows.Scan(&a.URL, &a.Success, &fieldsJSON, &a.Error, &kind, &a.Attempts, &a.Pages, &elapsedMS, &a.Proxy); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &a.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields for %s: %w", a.URL, err)
			}
		}
		a.Kind = engine.ErrorKind(kind)
		a.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return attempts, nil
}
