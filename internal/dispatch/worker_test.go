package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newWorkerQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, Options{QueueName: "document_analysis"})
}

func waitForStatus(t *testing.T, q *Queue, jobID, want string) StatusInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := q.Status(context.Background(), jobID)
		if err == nil && info.Status == want {
			return info
		}
		time.Sleep(20 * time.Millisecond)
	}
	info, err := q.Status(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (last: %+v, err: %v)", jobID, want, info, err)
	return StatusInfo{}
}

func TestWorkerExecutesJob(t *testing.T) {
	q := newWorkerQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, p Payload) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"finished","job_id":"` + p.JobID + `"}`), nil
	}
	w := NewWorker(q, handler, WorkerOptions{ID: "w-test", Concurrency: 2})
	w.claimWait = 100 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Work(ctx)
	}()

	if err := q.Enqueue(context.Background(), Payload{JobID: "ok-job", Query: "q"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForStatus(t, q, "ok-job", StatusFinished)

	out, err := q.Result(context.Background(), "ok-job")
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if string(out.Result) != `{"status":"finished","job_id":"ok-job"}` {
		t.Fatalf("unexpected result: %s", out.Result)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerRecordsFailure(t *testing.T) {
	q := newWorkerQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, p Payload) (json.RawMessage, error) {
		return nil, errors.New("input file not found: uploads/missing.pdf")
	}
	w := NewWorker(q, handler, WorkerOptions{ID: "w-test"})
	w.claimWait = 100 * time.Millisecond

	go func() { _ = w.Work(ctx) }()

	if err := q.Enqueue(context.Background(), Payload{JobID: "bad-job", Query: "q"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	info := waitForStatus(t, q, "bad-job", StatusFailed)
	if info.Error != "input file not found: uploads/missing.pdf" {
		t.Fatalf("unexpected error: %q", info.Error)
	}
}

func TestWorkerEnforcesJobTimeout(t *testing.T) {
	q := newWorkerQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, p Payload) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	w := NewWorker(q, handler, WorkerOptions{ID: "w-test", JobTimeout: 100 * time.Millisecond})
	w.claimWait = 100 * time.Millisecond

	go func() { _ = w.Work(ctx) }()

	if err := q.Enqueue(context.Background(), Payload{JobID: "slow-job", Query: "q"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	info := waitForStatus(t, q, "slow-job", StatusFailed)
	if info.Error == "" {
		t.Fatalf("expected timeout error to be recorded")
	}
}
