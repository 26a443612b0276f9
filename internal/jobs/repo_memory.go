package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo implements Repo with an in-process map. Used for local
// development without Postgres and in tests.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Job
}

// NewMemoryRepo creates an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: map[string]Job{}}
}

// Create inserts a new job record.
func (r *MemoryRepo) Create(ctx context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[job.JobID]; exists {
		return ErrDuplicate
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	r.byID[job.JobID] = job
	return nil
}

// UpdateStatus sets a job's status with auto-stamped timestamps.
func (r *MemoryRepo) UpdateStatus(ctx context.Context, jobID, status string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return false, nil
	}
	job.Status = status
	now := time.Now().UTC()
	if (status == StatusStarted || status == StatusProcessing) && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if IsTerminal(status) && job.EndedAt == nil {
		job.EndedAt = &now
	}
	r.byID[jobID] = job
	return true, nil
}

// StoreResult marks the job completed and clears the artifact reference.
func (r *MemoryRepo) StoreResult(ctx context.Context, jobID string, result ResultEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = StatusCompleted
	job.Result = &result
	job.FilePath = ""
	if job.EndedAt == nil {
		job.EndedAt = &now
	}
	r.byID[jobID] = job
	return nil
}

// StoreError marks the job failed and clears the artifact reference.
func (r *MemoryRepo) StoreError(ctx context.Context, jobID, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.Error = msg
	job.FilePath = ""
	if job.EndedAt == nil {
		job.EndedAt = &now
	}
	r.byID[jobID] = job
	return nil
}

// Get returns a job record by id.
func (r *MemoryRepo) Get(ctx context.Context, jobID string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

var _ Repo = (*MemoryRepo)(nil)
