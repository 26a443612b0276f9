package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"analyzer-backend/internal/shared/telemetry"
)

// RecordSource looks up a job's durable record so the reconciler can
// prefer the record store's view over a stale queue entry.
type RecordSource interface {
	TerminalState(ctx context.Context, jobID string) (status string, errMsg string, found bool, err error)
}

// RecordFailer marks a job failed in the durable record store.
type RecordFailer func(ctx context.Context, jobID string, msg string) error

// Reconciler sweeps jobs stuck past their execution deadline. The record
// store is authoritative: if it already holds a terminal outcome, the queue
// entry is aligned with it; otherwise the job is force-failed in both.
type Reconciler struct {
	Queue      *Queue
	Records    RecordSource
	FailRecord RecordFailer
}

// Run performs one reconciliation sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	expired, err := r.Queue.ExpiredStarted(ctx)
	if err != nil {
		return fmt.Errorf("list expired jobs: %w", err)
	}

	for _, jobID := range expired {
		if err := r.reconcileOne(ctx, jobID); err != nil {
			telemetry.Error("reconcile.job_failed", map[string]any{
				"job_id": jobID,
				"error":  err.Error(),
			})
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, jobID string) error {
	worker, err := r.Queue.rdb.HGet(ctx, r.Queue.keyJob(jobID), "worker").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load worker of %s: %w", jobID, err)
	}

	if r.Records != nil {
		status, errMsg, found, err := r.Records.TerminalState(ctx, jobID)
		if err != nil {
			return fmt.Errorf("record lookup for %s: %w", jobID, err)
		}
		if found {
			switch status {
			case "completed":
				telemetry.Info("reconcile.align_finished", map[string]any{"job_id": jobID})
				return r.Queue.MarkFinished(ctx, worker, jobID, nil)
			case "failed":
				telemetry.Info("reconcile.align_failed", map[string]any{"job_id": jobID})
				return r.Queue.MarkFailed(ctx, worker, jobID, errMsg)
			}
		}
	}

	msg := fmt.Sprintf("job exceeded execution deadline of %s", r.Queue.jobTimeout)
	telemetry.Warn("reconcile.force_fail", map[string]any{
		"job_id": jobID,
		"worker": worker,
	})
	if err := r.Queue.MarkFailed(ctx, worker, jobID, msg); err != nil {
		return err
	}
	if r.FailRecord != nil {
		if err := r.FailRecord(ctx, jobID, msg); err != nil {
			return fmt.Errorf("fail record for %s: %w", jobID, err)
		}
	}
	return nil
}
