package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"droidsched/internal/device"
	"droidsched/internal/eventbus"
	rtsup "droidsched/internal/runtime/supervisor"
	"droidsched/internal/task"
	logx "droidsched/pkg/logx"
)

// run is the assignment loop. It is event-driven: enqueue and device-release
// signal the wake channel; the poll tick is only a safety net against missed
// wakeups.
func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	poll := s.cfg.PollInterval
	s.mu.Unlock()

	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if s.assignOnce(ctx, stopCh) {
			// Made progress (dispatched or requeued); try again immediately.
			// A pinned job whose device stays busy cycles through here
			// repeatedly until the device frees up - a known inefficiency,
			// not a correctness problem.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.wake:
		case <-tick.C:
		}
	}
}

// assignOnce performs one scheduling cycle. It reports whether it did any
// work; false means there was no idle device or no pending job and the loop
// should go back to waiting.
//
// The idle device discovered in step one is not reserved: the job may pin a
// different device, and either may be taken by the time Acquire runs.
func (s *Service) assignOnce(ctx context.Context, stopCh <-chan struct{}) bool {
	idle, ok := s.pool.IdleDevice()
	if !ok {
		return false
	}

	job, ok := s.queue.Dequeue()
	if !ok {
		return false
	}

	target := job.DeviceID
	if target == "" {
		target = idle
	}

	if err := s.pool.Acquire(target, job.ID); err != nil {
		// Lost the race, or a pinned device is occupied/offline. Put the job
		// back at the tail and keep going.
		atomic.AddUint64(&s.conflicts, 1)
		s.queue.Requeue(job)
		if s.conflictWarn.Allow() {
			s.log.Warn("device acquire conflict, job requeued",
				logx.String("job", job.ID),
				logx.String("device", target),
				logx.Err(err),
				logx.Uint64("conflicts", atomic.LoadUint64(&s.conflicts)))
		}
		return true
	}

	// Block for a worker slot. Slots usually outnumber devices, so this
	// only stalls when executions pile up faster than they finish.
	select {
	case <-ctx.Done():
		s.undoAcquire(job, target)
		return false
	case <-stopCh:
		s.undoAcquire(job, target)
		return false
	case s.slots <- struct{}{}:
	}

	attempt := job.RetryCount + 1
	atomic.AddUint64(&s.dispatched, 1)
	s.log.Info("job dispatched", logx.String("job", job.ID), logx.String("name", job.Name), logx.String("device", target), logx.Int("attempt", attempt))
	s.publish(eventbus.TopicJobStarted, JobEvent{ID: job.ID, Name: job.Name, DeviceID: target, Status: task.StatusRunning, Attempt: attempt})

	s.superv().Go("exec."+job.ID, func(c context.Context) error {
		defer func() { <-s.slots }()
		atomic.AddInt32(&s.inFlight, 1)
		s.execOne(c, job, target)
		atomic.AddInt32(&s.inFlight, -1)
		return nil
	})
	return true
}

func (s *Service) superv() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// undoAcquire reverses a device acquisition when shutdown interrupts the
// handoff between Acquire and the worker slot. The job never ran, so the
// device goes back to idle without touching its counters.
func (s *Service) undoAcquire(job *task.Job, deviceID string) {
	// Re-enqueue first so the job is never lost.
	s.queue.Requeue(job)
	_ = s.pool.Unassign(deviceID)
}

// execOne runs a dispatched (job, device) pair to completion and processes
// the outcome. It runs on a worker slot, independently of the loop.
func (s *Service) execOne(ctx context.Context, job *task.Job, deviceID string) {
	attempt := job.RetryCount + 1
	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	started := time.Now()
	msg, steps, err := s.exec.Execute(runCtx, job.Task, deviceID)
	finished := time.Now()

	res := &task.Result{
		Success:    err == nil,
		Message:    msg,
		StartedAt:  started,
		FinishedAt: finished,
		DeviceID:   deviceID,
		Steps:      steps,
	}
	if err != nil {
		res.Message = err.Error()
		res.Error = err.Error()
	}
	job.Result = res

	if err == nil {
		if cerr := s.queue.Complete(job.ID, true); cerr != nil {
			s.log.Error("complete failed", logx.String("job", job.ID), logx.Err(cerr))
		}
		s.releaseAndWake(deviceID, true)
		s.log.Info("job completed", logx.String("job", job.ID), logx.String("name", job.Name), logx.String("device", deviceID), logx.Duration("dur", res.Duration()), logx.Int("steps", steps))
		s.publish(eventbus.TopicJobCompleted, JobEvent{ID: job.ID, Name: job.Name, DeviceID: deviceID, Status: task.StatusSuccess, Attempt: attempt, Duration: res.Duration()})
		s.invokeCallback(job)
		return
	}

	rerr := s.queue.Retry(job.ID)
	switch {
	case rerr == nil:
		// Budget left: the job is pending again, at the queue front. The
		// device is freed regardless; the rerun may land elsewhere.
		s.releaseAndWake(deviceID, false)
		s.log.Warn("job failed, retrying", logx.String("job", job.ID), logx.String("name", job.Name), logx.String("device", deviceID), logx.Int("retry", attempt), logx.Err(err))
		s.publish(eventbus.TopicJobRetry, JobEvent{ID: job.ID, Name: job.Name, DeviceID: deviceID, Status: task.StatusPending, Attempt: attempt, Error: err.Error()})

	case errors.Is(rerr, task.ErrRetryExhausted):
		// Retry archived the job as failed.
		s.releaseAndWake(deviceID, false)
		s.log.Warn("job failed permanently", logx.String("job", job.ID), logx.String("name", job.Name), logx.String("device", deviceID), logx.Int("attempts", attempt), logx.Err(err))
		s.publish(eventbus.TopicJobFailed, JobEvent{ID: job.ID, Name: job.Name, DeviceID: deviceID, Status: task.StatusFailed, Attempt: attempt, Error: err.Error()})
		s.invokeCallback(job)

	default:
		// Retry can only reject a job that is not running; that means the
		// bookkeeping is inconsistent, which is worth a loud log.
		s.releaseAndWake(deviceID, false)
		s.log.Error("retry failed", logx.String("job", job.ID), logx.Err(rerr))
	}
}

// releaseAndWake frees the device and wakes the loop: a released device is
// exactly what a waiting pending job needs.
func (s *Service) releaseAndWake(deviceID string, success bool) {
	if err := s.pool.Release(deviceID, success); err != nil && !errors.Is(err, device.ErrNotBusy) {
		s.log.Error("device release failed", logx.String("device", deviceID), logx.Err(err))
	}
	s.signal()
}

// invokeCallback delivers the terminal job to the registered callback at most
// once. The device has already been released; a panicking callback is
// contained here.
func (s *Service) invokeCallback(job *task.Job) {
	s.cbMu.Lock()
	fn := s.onComplete
	s.cbMu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("completion callback panicked", logx.String("job", job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn(job)
}

// refreshLoop periodically re-probes non-busy devices and publishes
// reachability transitions.
func (s *Service) refreshLoop(ctx context.Context, stopCh <-chan struct{}, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tick.C:
			before := map[string]device.Status{}
			for _, d := range s.pool.List() {
				before[d.ID] = d.Status
			}
			s.pool.Refresh(ctx)
			if s.bus != nil {
				for _, d := range s.pool.List() {
					prev, known := before[d.ID]
					if !known || prev == d.Status {
						continue
					}
					switch d.Status {
					case device.StatusOffline:
						s.bus.Publish(eventbus.Event{Topic: eventbus.TopicDeviceOffline, Time: time.Now(), Data: DeviceEvent{ID: d.ID, Status: string(d.Status)}})
					case device.StatusIdle:
						if prev == device.StatusOffline {
							s.bus.Publish(eventbus.Event{Topic: eventbus.TopicDeviceOnline, Time: time.Now(), Data: DeviceEvent{ID: d.ID, Status: string(d.Status)}})
						}
					}
				}
			}
			// A device may have come back online.
			s.signal()
		}
	}
}
