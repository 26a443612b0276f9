package jobs

import "context"

// Repo is the durable record store for jobs.
type Repo interface {
	// Create inserts a new job record. Returns ErrDuplicate if a record
	// with the same job id already exists; the original is left untouched.
	Create(ctx context.Context, job Job) error

	// UpdateStatus sets a job's status, auto-stamping started_at on the
	// first transition into started/processing and ended_at on terminal
	// transitions. Returns false if the record does not exist.
	UpdateStatus(ctx context.Context, jobID, status string) (bool, error)

	// StoreResult marks the job completed with its result envelope and
	// clears the input artifact reference.
	StoreResult(ctx context.Context, jobID string, result ResultEnvelope) error

	// StoreError marks the job failed with the error message and clears
	// the input artifact reference.
	StoreError(ctx context.Context, jobID, msg string) error

	// Get returns a job record by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, jobID string) (Job, error)
}
