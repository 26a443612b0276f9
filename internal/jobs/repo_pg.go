package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const uniqueViolation = "23505"

// Create inserts a new job record.
func (r *PGRepo) Create(ctx context.Context, job Job) error {
	const query = `
INSERT INTO jobs (job_id, query, file_path, filename, status, created_at)
VALUES ($1, $2, $3, $4, $5, now())`

	status := job.Status
	if status == "" {
		status = StatusQueued
	}

	_, err := r.DB.ExecContext(ctx, query,
		job.JobID,
		job.Query,
		job.FilePath,
		job.Filename,
		status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// UpdateStatus sets a job's status with auto-stamped timestamps.
func (r *PGRepo) UpdateStatus(ctx context.Context, jobID, status string) (bool, error) {
	const query = `
UPDATE jobs
SET status = $1,
    started_at = CASE
        WHEN ($1 = 'started' OR $1 = 'processing') AND started_at IS NULL THEN now()
        ELSE started_at
    END,
    ended_at = CASE
        WHEN ($1 = 'completed' OR $1 = 'failed' OR $1 = 'cancelled') AND ended_at IS NULL THEN now()
        ELSE ended_at
    END
WHERE job_id = $2`

	res, err := r.DB.ExecContext(ctx, query, status, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StoreResult marks the job completed and clears the artifact reference.
func (r *PGRepo) StoreResult(ctx context.Context, jobID string, result ResultEnvelope) error {
	const query = `
UPDATE jobs
SET status = 'completed',
    result = $1::jsonb,
    file_path = '',
    ended_at = COALESCE(ended_at, now())
WHERE job_id = $2`

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, query, payload, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StoreError marks the job failed and clears the artifact reference.
func (r *PGRepo) StoreError(ctx context.Context, jobID, msg string) error {
	const query = `
UPDATE jobs
SET status = 'failed',
    error = $1,
    file_path = '',
    ended_at = COALESCE(ended_at, now())
WHERE job_id = $2`

	res, err := r.DB.ExecContext(ctx, query, msg, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a job record by id.
func (r *PGRepo) Get(ctx context.Context, jobID string) (Job, error) {
	const query = `
SELECT job_id, query, file_path, filename, status, result, error, created_at, started_at, ended_at
FROM jobs
WHERE job_id = $1
LIMIT 1`

	var job Job
	var result sql.NullString
	var startedAt sql.NullTime
	var endedAt sql.NullTime
	err := r.DB.QueryRowContext(ctx, query, jobID).Scan(
		&job.JobID,
		&job.Query,
		&job.FilePath,
		&job.Filename,
		&job.Status,
		&result,
		&job.Error,
		&job.CreatedAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	if result.Valid {
		var env ResultEnvelope
		if err := json.Unmarshal([]byte(result.String), &env); err == nil {
			job.Result = &env
		}
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		job.EndedAt = &endedAt.Time
	}
	return job, nil
}

var _ Repo = (*PGRepo)(nil)
