package jobs

import "time"

// Job statuses as stored in the record store.
const (
	StatusQueued     = "queued"
	StatusStarted    = "started"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a status will never change again.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ResultStatusSuccess is the status carried inside a completed job's
// result envelope. It is distinct from the record's lifecycle statuses.
const ResultStatusSuccess = "success"

// ResultEnvelope is the analysis output document stored for a completed job.
type ResultEnvelope struct {
	Status   string `json:"status"`
	JobID    string `json:"job_id"`
	Query    string `json:"query"`
	Analysis string `json:"analysis"`
	Message  string `json:"message"`
}

// Job is the durable record of one analysis request.
type Job struct {
	JobID     string
	Query     string
	FilePath  string
	Filename  string
	Status    string
	Result    *ResultEnvelope
	Error     string
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// StatusView is the API representation of a job's progress.
type StatusView struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Query     string `json:"query,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Position  *int64 `json:"position,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	EndedAt   string `json:"ended_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResultView is the API representation of a job's outcome. Terminal
// success flattens the envelope into the response.
type ResultView struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Analysis string `json:"analysis,omitempty"`
	Error    string `json:"error,omitempty"`
	Message  string `json:"message,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
