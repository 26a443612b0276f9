package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"analyzer-backend/internal/dispatch"
	"analyzer-backend/internal/shared/telemetry"
)

// Orchestrator answers status and result reads. The record store is
// authoritative; the dispatch queue fills in live details (FIFO position)
// and serves as a fallback when the record is missing.
type Orchestrator struct {
	Repo  Repo
	Queue *dispatch.Queue
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(repo Repo, queue *dispatch.Queue) *Orchestrator {
	return &Orchestrator{Repo: repo, Queue: queue}
}

// GetStatus returns a job's progress, preferring the durable record.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (StatusView, error) {
	rec, err := o.Repo.Get(ctx, jobID)
	if err == nil {
		// No queue fields are merged in; position is only visible when
		// the queue itself answers the read.
		return StatusView{
			JobID:     rec.JobID,
			Status:    rec.Status,
			Query:     rec.Query,
			Filename:  rec.Filename,
			CreatedAt: formatTime(rec.CreatedAt),
			StartedAt: formatTimePtr(rec.StartedAt),
			EndedAt:   formatTimePtr(rec.EndedAt),
			Error:     rec.Error,
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return StatusView{}, err
	}

	if o.Queue == nil {
		return StatusView{}, ErrNotFound
	}
	qinfo, qerr := o.Queue.Status(ctx, jobID)
	if qerr != nil {
		if errors.Is(qerr, dispatch.ErrNotFound) {
			return StatusView{}, ErrNotFound
		}
		return StatusView{}, qerr
	}

	telemetry.Info("jobs.status_from_queue", map[string]any{"job_id": jobID})
	return StatusView{
		JobID:     qinfo.JobID,
		Status:    mapQueueStatus(qinfo.Status),
		Position:  qinfo.Position,
		CreatedAt: formatTime(qinfo.CreatedAt),
		StartedAt: formatTimePtr(qinfo.StartedAt),
		EndedAt:   formatTimePtr(qinfo.EndedAt),
		Error:     qinfo.Error,
	}, nil
}

// GetResult returns a job's outcome, preferring the durable record.
func (o *Orchestrator) GetResult(ctx context.Context, jobID string) (ResultView, error) {
	rec, err := o.Repo.Get(ctx, jobID)
	if err == nil {
		return resultFromRecord(rec), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ResultView{}, err
	}

	if o.Queue == nil {
		return ResultView{}, ErrNotFound
	}
	qres, qerr := o.Queue.Result(ctx, jobID)
	if qerr != nil {
		if errors.Is(qerr, dispatch.ErrNotFound) {
			return ResultView{}, ErrNotFound
		}
		return ResultView{}, qerr
	}

	view := ResultView{JobID: jobID, Status: mapQueueStatus(qres.Status)}
	switch view.Status {
	case StatusCompleted:
		var env ResultEnvelope
		if len(qres.Result) > 0 {
			if err := json.Unmarshal(qres.Result, &env); err == nil {
				flattenEnvelope(&view, &env)
			}
		}
	case StatusFailed:
		view.Error = qres.Error
	case StatusCancelled:
		view.Message = "job was cancelled before execution"
	default:
		view.Message = "job has not completed yet"
	}
	return view, nil
}

func resultFromRecord(rec Job) ResultView {
	view := ResultView{JobID: rec.JobID, Status: rec.Status}
	switch rec.Status {
	case StatusCompleted:
		flattenEnvelope(&view, rec.Result)
	case StatusFailed:
		view.Error = rec.Error
	case StatusCancelled:
		view.Message = "job was cancelled before execution"
	default:
		view.Message = "job has not completed yet"
	}
	return view
}

// flattenEnvelope copies the stored result envelope into the terminal
// success response.
func flattenEnvelope(view *ResultView, env *ResultEnvelope) {
	view.Status = ResultStatusSuccess
	if env == nil {
		return
	}
	view.Analysis = env.Analysis
	view.Message = env.Message
}

// mapQueueStatus translates queue status vocabulary to the record store's.
func mapQueueStatus(status string) string {
	switch status {
	case dispatch.StatusFinished:
		return StatusCompleted
	case dispatch.StatusStopped:
		return StatusCancelled
	case dispatch.StatusDeferred, dispatch.StatusScheduled:
		return StatusQueued
	default:
		return status
	}
}
