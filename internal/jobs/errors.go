package jobs

import "errors"

var (
	// ErrNotFound means the job is unknown to both the record store and the queue.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicate means a record with the same job id already exists.
	ErrDuplicate = errors.New("job already exists")

	// ErrNotCancellable means the job already started or finished.
	ErrNotCancellable = errors.New("job cannot be cancelled")

	// ErrQueueUnavailable means the dispatch queue is not reachable.
	ErrQueueUnavailable = errors.New("dispatch queue unavailable")
)
