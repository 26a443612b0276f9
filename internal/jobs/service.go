package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"analyzer-backend/internal/dispatch"
	"analyzer-backend/internal/shared/metrics"
	"analyzer-backend/internal/shared/storage/object"
	"analyzer-backend/internal/shared/telemetry"
)

// Service coordinates job submission and lifecycle against the artifact
// store, record store, and dispatch queue.
type Service struct {
	Repo         Repo
	Queue        *dispatch.Queue
	Store        object.Store
	DefaultQuery string
}

// NewService constructs a Service.
func NewService(repo Repo, queue *dispatch.Queue, store object.Store, defaultQuery string) *Service {
	return &Service{
		Repo:         repo,
		Queue:        queue,
		Store:        store,
		DefaultQuery: defaultQuery,
	}
}

// Submit persists the uploaded document, creates the job record, and
// enqueues the job for execution.
func (s *Service) Submit(ctx context.Context, filename, query string, r io.Reader) (Job, error) {
	if s.Queue == nil {
		return Job{}, ErrQueueUnavailable
	}

	query = strings.TrimSpace(query)
	if query == "" {
		query = s.DefaultQuery
	}

	jobID := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".pdf"
	}
	key := fmt.Sprintf("uploads/job_%s%s", jobID, ext)

	size, err := s.Store.SaveWithKey(ctx, key, contentTypeFor(ext), r)
	if err != nil {
		return Job{}, fmt.Errorf("save upload: %w", err)
	}

	job := Job{
		JobID:    jobID,
		Query:    query,
		FilePath: key,
		Filename: filename,
		Status:   StatusQueued,
	}
	if err := s.Repo.Create(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicate) {
			s.cleanupArtifact(ctx, key)
			return Job{}, ErrDuplicate
		}
		// The queue still carries the job; status reads fall back to it.
		telemetry.Warn("jobs.record_create_failed", map[string]any{
			"job_id": jobID,
			"error":  err.Error(),
		})
	}

	if err := s.Queue.Enqueue(ctx, dispatch.Payload{
		JobID:    jobID,
		Query:    query,
		FilePath: key,
		Filename: filename,
	}); err != nil {
		s.cleanupArtifact(ctx, key)
		if storeErr := s.Repo.StoreError(ctx, jobID, "failed to enqueue job"); storeErr != nil && !errors.Is(storeErr, ErrNotFound) {
			telemetry.Warn("jobs.record_fail_failed", map[string]any{
				"job_id": jobID,
				"error":  storeErr.Error(),
			})
		}
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	metrics.IncJobsSubmitted()
	telemetry.Info("jobs.submitted", map[string]any{
		"job_id":     jobID,
		"filename":   filename,
		"size_bytes": size,
	})
	return job, nil
}

// Cancel stops a job that has not started executing.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	if s.Queue == nil {
		return ErrQueueUnavailable
	}

	if err := s.Queue.Cancel(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNotCancellable):
			return ErrNotCancellable
		case errors.Is(err, dispatch.ErrNotFound):
			if rec, recErr := s.Repo.Get(ctx, jobID); recErr == nil {
				if IsTerminal(rec.Status) || rec.Status == StatusStarted || rec.Status == StatusProcessing {
					return ErrNotCancellable
				}
			}
			return ErrNotFound
		default:
			return err
		}
	}

	if _, err := s.Repo.UpdateStatus(ctx, jobID, StatusCancelled); err != nil {
		telemetry.Warn("jobs.record_cancel_failed", map[string]any{
			"job_id": jobID,
			"error":  err.Error(),
		})
	}
	metrics.IncJobsCancelled()
	telemetry.Info("jobs.cancelled", map[string]any{"job_id": jobID})
	return nil
}

// Stats returns dispatch queue statistics.
func (s *Service) Stats(ctx context.Context) (dispatch.Stats, error) {
	if s.Queue == nil {
		return dispatch.Stats{}, ErrQueueUnavailable
	}
	return s.Queue.Stats(ctx)
}

// TerminalState reports the record store's terminal view of a job. It
// satisfies dispatch.RecordSource for the reconciler.
func (s *Service) TerminalState(ctx context.Context, jobID string) (string, string, bool, error) {
	rec, err := s.Repo.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	if !IsTerminal(rec.Status) {
		return "", "", false, nil
	}
	return rec.Status, rec.Error, true, nil
}

// FailRecord marks a job failed in the record store. Used by the
// reconciler when force-failing expired jobs.
func (s *Service) FailRecord(ctx context.Context, jobID, msg string) error {
	if err := s.Repo.StoreError(ctx, jobID, msg); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) cleanupArtifact(ctx context.Context, key string) {
	if err := s.Store.Delete(ctx, key); err != nil {
		telemetry.Warn("jobs.artifact_cleanup_failed", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func contentTypeFor(ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

var _ dispatch.RecordSource = (*Service)(nil)
