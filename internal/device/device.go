package device

import "time"

// Status is the connectivity/occupancy state of a device.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Device is a remote execution target (an adb serial such as "emulator-5554"
// or "192.168.1.100:5555") with occupancy state and cumulative job counters.
//
// Invariant: Status == busy ⇔ CurrentJobID != "".
type Device struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
	LastUsed     time.Time `json:"last_used"`
	TotalJobs    int       `json:"total_jobs"`
	SuccessJobs  int       `json:"success_jobs"`
	FailedJobs   int       `json:"failed_jobs"`
}

// SuccessRate is SuccessJobs/TotalJobs, 0 when no jobs have run.
func (d *Device) SuccessRate() float64 {
	if d.TotalJobs == 0 {
		return 0
	}
	return float64(d.SuccessJobs) / float64(d.TotalJobs)
}
