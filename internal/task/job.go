package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Result records the outcome of a single execution.
type Result struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DeviceID   string    `json:"device_id"`
	Steps      int       `json:"steps"`
	Error      string    `json:"error,omitempty"`
}

// Duration is the wall time the execution took.
func (r *Result) Duration() time.Duration {
	if r == nil || r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Job is a unit of work: a natural-language instruction plus scheduling and
// retry metadata, tracked through pending/running/terminal states.
//
// Timeout bounds a single execution attempt; the dispatch loop applies it to
// the context handed to the executor.
type Job struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Task       string        `json:"task"`
	Cron       string        `json:"cron,omitempty"`
	DeviceID   string        `json:"device_id,omitempty"` // pinned device; empty means auto-assign
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
	Status     Status        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	Result     *Result       `json:"result,omitempty"`
}

// NewJob creates a pending job with a fresh id.
func NewJob(name, taskText string) *Job {
	return &Job{
		ID:         NewID(),
		Name:       name,
		Task:       taskText,
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeout,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// NewID returns a short job identifier (8 hex chars of a UUID).
// Short ids keep logs and operator output readable; collisions are acceptable
// at the scale this scheduler targets.
func NewID() string {
	return uuid.NewString()[:8]
}

const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 5 * time.Minute
)
