package storage

import (
	"errors"
	"time"

	"droidsched/internal/task"
	"droidsched/internal/trigger"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": file backend (templates snapshot + jobs jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is the archived form of a finished job.
// Keep it compact and schema-stable.
type JobRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Task       string    `json:"task"`
	DeviceID   string    `json:"device_id,omitempty"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Steps      int       `json:"steps"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RecordJob flattens a terminal job into its archive record.
func RecordJob(j *task.Job) JobRecord {
	r := JobRecord{
		ID:         j.ID,
		Name:       j.Name,
		Task:       j.Task,
		DeviceID:   j.DeviceID,
		Status:     string(j.Status),
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		CreatedAt:  j.CreatedAt,
	}
	if res := j.Result; res != nil {
		r.DeviceID = res.DeviceID
		r.StartedAt = res.StartedAt
		r.FinishedAt = res.FinishedAt
		r.DurationMS = res.Duration().Milliseconds()
		r.Steps = res.Steps
		r.Message = res.Message
		r.Error = res.Error
	}
	return r
}

// Template is re-exported so callers persisting schedules do not need a
// second import just for the type.
type Template = trigger.Template
