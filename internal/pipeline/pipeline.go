// Package pipeline executes one analysis job end to end: verify the input
// artifact, extract text, run the analysis engine, persist the outcome,
// and clean up the input.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"analyzer-backend/internal/dispatch"
	"analyzer-backend/internal/engine"
	"analyzer-backend/internal/extract"
	"analyzer-backend/internal/jobs"
	"analyzer-backend/internal/shared/storage/object"
	"analyzer-backend/internal/shared/telemetry"
)

// Runner runs jobs claimed from the dispatch queue. Repo and Queue may be
// nil; record keeping then degrades to best effort while the job itself
// still runs.
type Runner struct {
	Repo   jobs.Repo
	Queue  *dispatch.Queue
	Store  object.Store
	Engine engine.Engine
}

// NewRunner constructs a Runner.
func NewRunner(repo jobs.Repo, queue *dispatch.Queue, store object.Store, eng engine.Engine) *Runner {
	return &Runner{Repo: repo, Queue: queue, Store: store, Engine: eng}
}

// Run executes a single job and returns its result envelope. Any error is
// recorded in the record store before being returned so the worker can mark
// the queue entry failed.
func (r *Runner) Run(ctx context.Context, p dispatch.Payload) (json.RawMessage, error) {
	r.markRecord(ctx, p.JobID, jobs.StatusStarted)

	exists, err := r.Store.Exists(ctx, p.FilePath)
	if err != nil {
		// A store failure is not a missing input; surface it as-is.
		msg := fmt.Sprintf("artifact store check failed: %v", err)
		r.failRecord(ctx, p.JobID, msg)
		return nil, fmt.Errorf("check input %s: %w", p.FilePath, err)
	}
	if !exists {
		msg := fmt.Sprintf("input file not found: %s", p.FilePath)
		r.failRecord(ctx, p.JobID, msg)
		return nil, errors.New(msg)
	}

	// The input artifact is removed whether the job succeeds or fails.
	defer r.cleanupInput(p.JobID, p.FilePath)

	r.markRecord(ctx, p.JobID, jobs.StatusProcessing)
	if r.Queue != nil {
		if err := r.Queue.MarkProcessing(ctx, p.JobID); err != nil {
			telemetry.Warn("pipeline.mark_processing_failed", map[string]any{
				"job_id": p.JobID,
				"error":  err.Error(),
			})
		}
	}

	text := extract.Text(ctx, r.Store, p.FilePath, p.Filename)

	analysis, err := r.Engine.Analyze(ctx, p.Query, text)
	if err != nil {
		r.failRecord(ctx, p.JobID, err.Error())
		return nil, err
	}

	r.saveOutput(ctx, p.JobID, analysis)

	envelope := jobs.ResultEnvelope{
		Status:   jobs.ResultStatusSuccess,
		JobID:    p.JobID,
		Query:    p.Query,
		Analysis: analysis,
		Message:  "Document analysis completed successfully",
	}
	if r.Repo != nil {
		if err := r.Repo.StoreResult(ctx, p.JobID, envelope); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			telemetry.Warn("pipeline.store_result_failed", map[string]any{
				"job_id": p.JobID,
				"error":  err.Error(),
			})
		}
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		r.failRecord(ctx, p.JobID, err.Error())
		return nil, err
	}
	return raw, nil
}

func (r *Runner) markRecord(ctx context.Context, jobID, status string) {
	if r.Repo == nil {
		return
	}
	if _, err := r.Repo.UpdateStatus(ctx, jobID, status); err != nil {
		telemetry.Warn("pipeline.record_update_failed", map[string]any{
			"job_id": jobID,
			"status": status,
			"error":  err.Error(),
		})
	}
}

func (r *Runner) failRecord(ctx context.Context, jobID, msg string) {
	if r.Repo == nil {
		return
	}
	if err := r.Repo.StoreError(ctx, jobID, msg); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		telemetry.Warn("pipeline.record_fail_failed", map[string]any{
			"job_id": jobID,
			"error":  err.Error(),
		})
	}
}

// cleanupInput runs on its own context so a cancelled job still deletes
// its input artifact.
func (r *Runner) cleanupInput(jobID, key string) {
	ctx := context.Background()
	if err := r.Store.Delete(ctx, key); err != nil {
		telemetry.Warn("pipeline.input_cleanup_failed", map[string]any{
			"job_id": jobID,
			"key":    key,
			"error":  err.Error(),
		})
	}
}

func (r *Runner) saveOutput(ctx context.Context, jobID, analysis string) {
	key := fmt.Sprintf("outputs/%s.txt", jobID)
	if _, err := r.Store.SaveWithKey(ctx, key, "text/plain; charset=utf-8", strings.NewReader(analysis)); err != nil {
		telemetry.Warn("pipeline.output_save_failed", map[string]any{
			"job_id": jobID,
			"key":    key,
			"error":  err.Error(),
		})
	}
}
