package device

import (
	"context"
	"sync"
	"time"

	logx "droidsched/pkg/logx"
)

// Pool owns device identity, liveness and busy/idle state.
//
// One mutex serializes every operation, so Acquire/Release/Add/Remove are
// atomic relative to each other. Registration order is preserved so idle
// selection is deterministic and tests are reproducible.
type Pool struct {
	mu      sync.Mutex
	devices map[string]*Device
	order   []string // registration order

	prober Prober
	log    logx.Logger
}

func NewPool(prober Prober, log logx.Logger) *Pool {
	if prober == nil {
		prober = ProberFunc(func(context.Context, string) bool { return true })
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		devices: make(map[string]*Device),
		prober:  prober,
		log:     log,
	}
}

// Add registers a device, probing it once to decide the initial status.
// An unreachable device is still registered, marked offline.
func (p *Pool) Add(ctx context.Context, id string) error {
	// Probe outside the lock; it can take seconds.
	online := p.prober.Probe(ctx, id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.devices[id]; ok {
		return ErrAlreadyRegistered
	}
	status := StatusIdle
	if !online {
		status = StatusOffline
		p.log.Warn("device unreachable, registered as offline", logx.String("device", id))
	}
	p.devices[id] = &Device{ID: id, Status: status}
	p.order = append(p.order, id)
	return nil
}

// Remove unregisters a device. Busy devices cannot be removed.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status == StatusBusy {
		return ErrBusy
	}
	delete(p.devices, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// IdleDevice returns the first idle device in registration order.
// The device is not reserved; a later Acquire may still lose the race.
func (p *Pool) IdleDevice() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		if d := p.devices[id]; d != nil && d.Status == StatusIdle {
			return id, true
		}
	}
	return "", false
}

// Acquire atomically transitions idle→busy and records the owning job.
func (p *Pool) Acquire(id, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != StatusIdle {
		return ErrNotIdle
	}
	d.Status = StatusBusy
	d.CurrentJobID = jobID
	d.LastUsed = time.Now()
	return nil
}

// Release transitions busy→idle, clears the job reference and bumps the
// job counters. Releasing a non-busy device is a no-op returning ErrNotBusy.
func (p *Pool) Release(id string, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != StatusBusy {
		return ErrNotBusy
	}
	d.Status = StatusIdle
	d.CurrentJobID = ""
	d.TotalJobs++
	if success {
		d.SuccessJobs++
	} else {
		d.FailedJobs++
	}
	return nil
}

// Unassign returns a busy device to idle without recording an outcome.
// For acquisitions that were rolled back before any work ran; the job
// counters only ever reflect executions.
func (p *Pool) Unassign(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != StatusBusy {
		return ErrNotBusy
	}
	d.Status = StatusIdle
	d.CurrentJobID = ""
	return nil
}

// Refresh re-probes every non-busy device and flips it idle/offline.
// Busy devices are left alone; their state is owned by the running job.
func (p *Pool) Refresh(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.order))
	for _, id := range p.order {
		if d := p.devices[id]; d != nil && d.Status != StatusBusy {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		online := p.prober.Probe(ctx, id)

		p.mu.Lock()
		d, ok := p.devices[id]
		// The device may have been removed or acquired while probing.
		if ok && d.Status != StatusBusy {
			if online {
				d.Status = StatusIdle
			} else {
				if d.Status != StatusOffline {
					p.log.Warn("device went offline", logx.String("device", id))
				}
				d.Status = StatusOffline
			}
		}
		p.mu.Unlock()
	}
}

// Get returns a snapshot copy of one device.
func (p *Pool) Get(id string) (Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns snapshot copies of all devices in registration order.
func (p *Pool) List() []Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Device, 0, len(p.order))
	for _, id := range p.order {
		if d := p.devices[id]; d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// Counts returns point-in-time idle/busy/total counts.
func (p *Pool) Counts() (idle, busy, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		switch d.Status {
		case StatusIdle:
			idle++
		case StatusBusy:
			busy++
		}
	}
	return idle, busy, len(p.devices)
}
