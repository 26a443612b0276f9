// Package dispatch implements the Redis-backed job dispatch queue: FIFO
// enqueue/claim, per-job status hashes, terminal-state retention with TTL
// eviction, cancellation, and queue statistics.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"analyzer-backend/internal/shared/telemetry"
)

// Job statuses as stored in the queue.
const (
	StatusQueued    = "queued"
	StatusStarted   = "started"
	StatusDeferred  = "deferred"
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
	StatusScheduled = "scheduled"
)

// ErrNotFound is returned when a job is unknown to the queue, either
// because it was never enqueued or its retention window expired.
var ErrNotFound = errors.New("dispatch: job not found")

// ErrNotCancellable is returned when Cancel targets a job that already
// started or finished.
var ErrNotCancellable = errors.New("dispatch: job not cancellable")

// Payload is the unit of work carried through the queue.
type Payload struct {
	JobID    string `json:"job_id"`
	Query    string `json:"query"`
	FilePath string `json:"file_path"`
	Filename string `json:"filename"`
}

// StatusInfo is the queue's view of a job.
type StatusInfo struct {
	JobID     string
	Status    string
	Position  *int64
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Worker    string
	Error     string
}

// ResultInfo is the queue's view of a finished job's outcome.
type ResultInfo struct {
	JobID  string
	Status string
	Result json.RawMessage
	Error  string
}

// Stats summarizes queue registries and known workers.
type Stats struct {
	QueueName   string   `json:"queue_name"`
	Pending     int64    `json:"pending"`
	Started     int64    `json:"started"`
	Finished    int64    `json:"finished"`
	Failed      int64    `json:"failed"`
	Deferred    int64    `json:"deferred"`
	Scheduled   int64    `json:"scheduled"`
	WorkerCount int64    `json:"worker_count"`
	Workers     []string `json:"worker_ids"`
}

// Options configures a Queue. Retries are deliberately not configurable:
// every job runs exactly once and failures surface immediately.
type Options struct {
	QueueName  string
	JobTimeout time.Duration
	ResultTTL  time.Duration
}

// Queue is a Redis-backed FIFO dispatch queue.
type Queue struct {
	rdb        redis.UniversalClient
	name       string
	jobTimeout time.Duration
	resultTTL  time.Duration

	// now is swappable for tests.
	now func() time.Time
}

const workerHeartbeatTTL = 90 * time.Second

// New creates a Queue on the given Redis client.
func New(rdb redis.UniversalClient, opts Options) *Queue {
	name := opts.QueueName
	if name == "" {
		name = "document_analysis"
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Minute
	}
	resultTTL := opts.ResultTTL
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	return &Queue{
		rdb:        rdb,
		name:       name,
		jobTimeout: jobTimeout,
		resultTTL:  resultTTL,
		now:        time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) keyPending() string { return fmt.Sprintf("dispatch:%s:pending", q.name) }
func (q *Queue) keyActive(worker string) string {
	return fmt.Sprintf("dispatch:%s:active:%s", q.name, worker)
}
func (q *Queue) keyJob(jobID string) string { return fmt.Sprintf("dispatch:%s:job:%s", q.name, jobID) }
func (q *Queue) keyStarted() string         { return fmt.Sprintf("dispatch:%s:started", q.name) }
func (q *Queue) keyFinished() string        { return fmt.Sprintf("dispatch:%s:finished", q.name) }
func (q *Queue) keyFailed() string          { return fmt.Sprintf("dispatch:%s:failed", q.name) }
func (q *Queue) keyStopped() string         { return fmt.Sprintf("dispatch:%s:stopped", q.name) }
func (q *Queue) keyDeferred() string        { return fmt.Sprintf("dispatch:%s:deferred", q.name) }
func (q *Queue) keyScheduled() string       { return fmt.Sprintf("dispatch:%s:scheduled", q.name) }
func (q *Queue) keyWorkers() string         { return fmt.Sprintf("dispatch:%s:workers", q.name) }

// Enqueue registers a job hash and appends the job id to the pending list.
func (q *Queue) Enqueue(ctx context.Context, p Payload) error {
	if p.JobID == "" {
		return fmt.Errorf("dispatch: payload job id is empty")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := q.now().UTC()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keyJob(p.JobID), map[string]any{
		"status":     StatusQueued,
		"payload":    string(raw),
		"created_at": strconv.FormatInt(now.Unix(), 10),
	})
	pipe.RPush(ctx, q.keyPending(), p.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", p.JobID, err)
	}

	telemetry.Info("dispatch.enqueued", map[string]any{
		"job_id": p.JobID,
		"queue":  q.name,
	})
	return nil
}

// Claim blocks up to timeout for the next pending job and moves it to the
// worker's active list. Returns ErrNotFound when the wait times out.
func (q *Queue) Claim(ctx context.Context, workerID string, timeout time.Duration) (Payload, error) {
	jobID, err := q.rdb.BLMove(ctx, q.keyPending(), q.keyActive(workerID), "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Payload{}, ErrNotFound
		}
		return Payload{}, fmt.Errorf("claim from %s: %w", q.keyPending(), err)
	}

	raw, err := q.rdb.HGet(ctx, q.keyJob(jobID), "payload").Result()
	if err != nil {
		// Hash evicted or missing; drop the claim so the worker moves on.
		q.rdb.LRem(ctx, q.keyActive(workerID), 1, jobID)
		if errors.Is(err, redis.Nil) {
			return Payload{}, ErrNotFound
		}
		return Payload{}, fmt.Errorf("load payload for %s: %w", jobID, err)
	}

	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		q.rdb.LRem(ctx, q.keyActive(workerID), 1, jobID)
		return Payload{}, fmt.Errorf("decode payload for %s: %w", jobID, err)
	}

	now := q.now().UTC()
	deadline := now.Add(q.jobTimeout)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keyJob(jobID), map[string]any{
		"status":     StatusStarted,
		"started_at": strconv.FormatInt(now.Unix(), 10),
		"worker":     workerID,
	})
	pipe.ZAdd(ctx, q.keyStarted(), redis.Z{Score: float64(deadline.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Payload{}, fmt.Errorf("mark started %s: %w", jobID, err)
	}
	return p, nil
}

// MarkProcessing flags a claimed job as actively processing its input.
func (q *Queue) MarkProcessing(ctx context.Context, jobID string) error {
	if err := q.rdb.HSet(ctx, q.keyJob(jobID), "status", "processing").Err(); err != nil {
		return fmt.Errorf("mark processing %s: %w", jobID, err)
	}
	return nil
}

// MarkFinished records a successful outcome and schedules TTL eviction.
func (q *Queue) MarkFinished(ctx context.Context, workerID, jobID string, result json.RawMessage) error {
	return q.finish(ctx, workerID, jobID, StatusFinished, q.keyFinished(), string(result), "")
}

// MarkFailed records a failed outcome and schedules TTL eviction.
func (q *Queue) MarkFailed(ctx context.Context, workerID, jobID string, jobErr string) error {
	return q.finish(ctx, workerID, jobID, StatusFailed, q.keyFailed(), "", jobErr)
}

func (q *Queue) finish(ctx context.Context, workerID, jobID, status, registry, result, jobErr string) error {
	now := q.now().UTC()
	evictAt := now.Add(q.resultTTL)

	fields := map[string]any{
		"status":   status,
		"ended_at": strconv.FormatInt(now.Unix(), 10),
	}
	if result != "" {
		fields["result"] = result
	}
	if jobErr != "" {
		fields["error"] = jobErr
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keyJob(jobID), fields)
	pipe.ZRem(ctx, q.keyStarted(), jobID)
	pipe.ZAdd(ctx, registry, redis.Z{Score: float64(evictAt.Unix()), Member: jobID})
	if workerID != "" {
		pipe.LRem(ctx, q.keyActive(workerID), 1, jobID)
	}
	// Backstop in case the eviction sweep never runs.
	pipe.Expire(ctx, q.keyJob(jobID), q.resultTTL+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish job %s as %s: %w", jobID, status, err)
	}

	telemetry.Info("dispatch.finished", map[string]any{
		"job_id": jobID,
		"queue":  q.name,
		"status": status,
	})
	return nil
}

// Status returns the queue's view of a job, including FIFO position while
// the job is still pending.
func (q *Queue) Status(ctx context.Context, jobID string) (StatusInfo, error) {
	if err := q.Evict(ctx); err != nil {
		telemetry.Warn("dispatch.evict_failed", map[string]any{"error": err.Error()})
	}

	fields, err := q.rdb.HGetAll(ctx, q.keyJob(jobID)).Result()
	if err != nil {
		return StatusInfo{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return StatusInfo{}, ErrNotFound
	}

	info := StatusInfo{
		JobID:     jobID,
		Status:    fields["status"],
		CreatedAt: parseUnix(fields["created_at"]),
		Worker:    fields["worker"],
		Error:     fields["error"],
	}
	if t := parseUnix(fields["started_at"]); !t.IsZero() {
		info.StartedAt = &t
	}
	if t := parseUnix(fields["ended_at"]); !t.IsZero() {
		info.EndedAt = &t
	}

	if info.Status == StatusQueued {
		pos, err := q.rdb.LPos(ctx, q.keyPending(), jobID, redis.LPosArgs{}).Result()
		if err == nil {
			info.Position = &pos
		} else if !errors.Is(err, redis.Nil) {
			return StatusInfo{}, fmt.Errorf("position of %s: %w", jobID, err)
		}
	}
	return info, nil
}

// Result returns the stored outcome of a job.
func (q *Queue) Result(ctx context.Context, jobID string) (ResultInfo, error) {
	if err := q.Evict(ctx); err != nil {
		telemetry.Warn("dispatch.evict_failed", map[string]any{"error": err.Error()})
	}

	fields, err := q.rdb.HGetAll(ctx, q.keyJob(jobID)).Result()
	if err != nil {
		return ResultInfo{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return ResultInfo{}, ErrNotFound
	}

	info := ResultInfo{
		JobID:  jobID,
		Status: fields["status"],
		Error:  fields["error"],
	}
	if raw := fields["result"]; raw != "" {
		info.Result = json.RawMessage(raw)
	}
	return info, nil
}

// Cancel removes a job that has not started yet. Jobs that are already
// running or finished return ErrNotCancellable.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	status, err := q.rdb.HGet(ctx, q.keyJob(jobID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("load status of %s: %w", jobID, err)
	}
	if status != StatusQueued && status != StatusDeferred {
		return ErrNotCancellable
	}

	now := q.now().UTC()
	evictAt := now.Add(q.resultTTL)
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.keyPending(), 1, jobID)
	pipe.ZRem(ctx, q.keyDeferred(), jobID)
	pipe.HSet(ctx, q.keyJob(jobID), map[string]any{
		"status":   StatusStopped,
		"ended_at": strconv.FormatInt(now.Unix(), 10),
	})
	pipe.ZAdd(ctx, q.keyStopped(), redis.Z{Score: float64(evictAt.Unix()), Member: jobID})
	pipe.Expire(ctx, q.keyJob(jobID), q.resultTTL+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	telemetry.Info("dispatch.cancelled", map[string]any{
		"job_id": jobID,
		"queue":  q.name,
	})
	return nil
}

// Heartbeat registers a worker as alive.
func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	now := q.now().UTC()
	if err := q.rdb.ZAdd(ctx, q.keyWorkers(), redis.Z{
		Score:  float64(now.Unix()),
		Member: workerID,
	}).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry on shutdown.
func (q *Queue) DeregisterWorker(ctx context.Context, workerID string) error {
	if err := q.rdb.ZRem(ctx, q.keyWorkers(), workerID).Err(); err != nil {
		return fmt.Errorf("deregister %s: %w", workerID, err)
	}
	return nil
}

// Stats reports registry sizes and live workers.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if err := q.Evict(ctx); err != nil {
		telemetry.Warn("dispatch.evict_failed", map[string]any{"error": err.Error()})
	}

	stats := Stats{QueueName: q.name}

	var err error
	if stats.Pending, err = q.rdb.LLen(ctx, q.keyPending()).Result(); err != nil {
		return Stats{}, fmt.Errorf("pending count: %w", err)
	}
	if stats.Started, err = q.rdb.ZCard(ctx, q.keyStarted()).Result(); err != nil {
		return Stats{}, fmt.Errorf("started count: %w", err)
	}
	if stats.Finished, err = q.rdb.ZCard(ctx, q.keyFinished()).Result(); err != nil {
		return Stats{}, fmt.Errorf("finished count: %w", err)
	}
	if stats.Failed, err = q.rdb.ZCard(ctx, q.keyFailed()).Result(); err != nil {
		return Stats{}, fmt.Errorf("failed count: %w", err)
	}
	if stats.Deferred, err = q.rdb.ZCard(ctx, q.keyDeferred()).Result(); err != nil {
		return Stats{}, fmt.Errorf("deferred count: %w", err)
	}
	if stats.Scheduled, err = q.rdb.ZCard(ctx, q.keyScheduled()).Result(); err != nil {
		return Stats{}, fmt.Errorf("scheduled count: %w", err)
	}

	cutoff := q.now().UTC().Add(-workerHeartbeatTTL)
	workers, err := q.rdb.ZRangeByScore(ctx, q.keyWorkers(), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("workers: %w", err)
	}
	stats.Workers = workers
	stats.WorkerCount = int64(len(workers))
	return stats, nil
}

// Evict removes terminal jobs whose retention window has passed.
func (q *Queue) Evict(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UTC().Unix(), 10)
	for _, registry := range []string{q.keyFinished(), q.keyFailed(), q.keyStopped()} {
		expired, err := q.rdb.ZRangeByScore(ctx, registry, &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", registry, err)
		}
		if len(expired) == 0 {
			continue
		}

		pipe := q.rdb.TxPipeline()
		for _, jobID := range expired {
			pipe.Del(ctx, q.keyJob(jobID))
			pipe.ZRem(ctx, registry, jobID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("evict from %s: %w", registry, err)
		}
	}
	return nil
}

// ExpiredStarted returns jobs whose execution deadline has passed without a
// terminal outcome being recorded.
func (q *Queue) ExpiredStarted(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(q.now().UTC().Unix(), 10)
	expired, err := q.rdb.ZRangeByScore(ctx, q.keyStarted(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan started: %w", err)
	}
	return expired, nil
}

func parseUnix(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
