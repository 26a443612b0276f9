package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"analyzer-backend/internal/shared/metrics"
	"analyzer-backend/internal/shared/telemetry"
)

// Handler executes one claimed job and returns its result document.
type Handler func(ctx context.Context, p Payload) (json.RawMessage, error)

// Worker claims jobs from a Queue and runs them through a Handler with
// bounded concurrency. Each job runs exactly once; there are no retries.
type Worker struct {
	queue       *Queue
	handler     Handler
	id          string
	concurrency int
	jobTimeout  time.Duration

	claimWait     time.Duration
	heartbeatTick time.Duration
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	ID          string
	Concurrency int
	JobTimeout  time.Duration
}

// NewWorker creates a Worker bound to the queue.
func NewWorker(queue *Queue, handler Handler, opts WorkerOptions) *Worker {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = queue.jobTimeout
	}
	return &Worker{
		queue:         queue,
		handler:       handler,
		id:            opts.ID,
		concurrency:   concurrency,
		jobTimeout:    jobTimeout,
		claimWait:     5 * time.Second,
		heartbeatTick: 30 * time.Second,
	}
}

// Work claims and executes jobs until ctx is cancelled, then drains
// in-flight jobs before returning.
func (w *Worker) Work(ctx context.Context) error {
	telemetry.Info("worker.start", map[string]any{
		"worker_id":   w.id,
		"queue":       w.queue.Name(),
		"concurrency": w.concurrency,
	})

	if err := w.queue.Heartbeat(ctx, w.id); err != nil {
		telemetry.Warn("worker.heartbeat_failed", map[string]any{
			"worker_id": w.id,
			"error":     err.Error(),
		})
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		w.heartbeatLoop(hbCtx)
	}()

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			stopHeartbeat()
			hbDone.Wait()
			w.deregister()
			telemetry.Info("worker.stop", map[string]any{"worker_id": w.id})
			return ctx.Err()
		case sem <- struct{}{}:
		}

		payload, err := w.queue.Claim(ctx, w.id, w.claimWait)
		if err != nil {
			<-sem
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			telemetry.Error("worker.claim_failed", map[string]any{
				"worker_id": w.id,
				"error":     err.Error(),
			})
			// Avoid a hot loop when redis is unreachable.
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}

		wg.Add(1)
		go func(p Payload) {
			defer wg.Done()
			defer func() { <-sem }()
			w.runOne(p)
		}(payload)
	}
}

func (w *Worker) runOne(p Payload) {
	// Jobs outlive the claim context so a shutdown drains them cleanly.
	jobCtx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	start := time.Now()
	telemetry.Info("worker.job_start", map[string]any{
		"worker_id": w.id,
		"job_id":    p.JobID,
	})

	result, err := w.handler(jobCtx, p)
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	metrics.ObserveJobDurationMs(durationMs)

	// Marking the outcome must not be cut short by the job timeout.
	markCtx, markCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer markCancel()

	if err != nil {
		metrics.IncJobsFailed()
		if markErr := w.queue.MarkFailed(markCtx, w.id, p.JobID, err.Error()); markErr != nil {
			telemetry.Error("worker.mark_failed_error", map[string]any{
				"worker_id": w.id,
				"job_id":    p.JobID,
				"error":     markErr.Error(),
			})
		}
		telemetry.Error("worker.job_failed", map[string]any{
			"worker_id":   w.id,
			"job_id":      p.JobID,
			"duration_ms": durationMs,
			"error":       err.Error(),
		})
		return
	}

	metrics.IncJobsCompleted()
	if markErr := w.queue.MarkFinished(markCtx, w.id, p.JobID, result); markErr != nil {
		telemetry.Error("worker.mark_finished_error", map[string]any{
			"worker_id": w.id,
			"job_id":    p.JobID,
			"error":     markErr.Error(),
		})
	}
	telemetry.Info("worker.job_complete", map[string]any{
		"worker_id":   w.id,
		"job_id":      p.JobID,
		"duration_ms": durationMs,
	})
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, w.id); err != nil && ctx.Err() == nil {
				telemetry.Warn("worker.heartbeat_failed", map[string]any{
					"worker_id": w.id,
					"error":     err.Error(),
				})
			}
		}
	}
}

func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.DeregisterWorker(ctx, w.id); err != nil {
		telemetry.Warn("worker.deregister_failed", map[string]any{
			"worker_id": w.id,
			"error":     err.Error(),
		})
	}
}
