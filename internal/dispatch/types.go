package dispatch

import (
	"time"

	"droidsched/internal/task"
)

// Config controls the assignment loop and its worker slots.
type Config struct {
	// Workers bounds concurrent executions (default 5).
	Workers int

	// PollInterval is the fallback tick of the assignment loop. The loop is
	// primarily woken by enqueue and device-release signals; the tick only
	// guards against missed wakeups (default 500ms).
	PollInterval time.Duration

	// RefreshInterval re-probes non-busy devices periodically. 0 disables.
	RefreshInterval time.Duration

	// DefaultMaxRetries/DefaultTimeout apply to submitted jobs that don't
	// set their own.
	DefaultMaxRetries int
	DefaultTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = task.DefaultMaxRetries
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = task.DefaultTimeout
	}
	return c
}

// SubmitOptions tune an ad-hoc job.
type SubmitOptions struct {
	// DeviceID pins the job to one device; empty means auto-assign.
	DeviceID   string
	MaxRetries int
	Timeout    time.Duration
}

// JobEvent is published on the event bus for job lifecycle transitions.
type JobEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	DeviceID string        `json:"device_id,omitempty"`
	Status   task.Status   `json:"status"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// DeviceEvent is published on the event bus when a periodic refresh flips a
// device between reachable and unreachable.
type DeviceEvent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running bool `json:"running"`
	Workers int  `json:"workers"`

	IdleDevices  int `json:"idle_devices"`
	BusyDevices  int `json:"busy_devices"`
	TotalDevices int `json:"total_devices"`

	PendingJobs int `json:"pending_jobs"`
	RunningJobs int `json:"running_jobs"`

	InFlight   int    `json:"in_flight"`
	Dispatched uint64 `json:"dispatched"`
	Conflicts  uint64 `json:"conflicts"`
}
