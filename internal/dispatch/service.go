package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"droidsched/internal/device"
	"droidsched/internal/eventbus"
	rtsup "droidsched/internal/runtime/supervisor"
	"droidsched/internal/task"
	logx "droidsched/pkg/logx"
)

// Service is the scheduling core: it continuously pairs idle devices with
// pending jobs and hands each pair to the executor on a bounded worker slot.
//
// The pool and the queue each own their own lock; the service never holds
// both at once. The window where a device observed idle turns busy before
// Acquire is handled by requeueing the job, not by cross-locking.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	pool  *device.Pool
	queue *task.Queue
	exec  Executor

	wake  chan struct{}
	slots chan struct{}

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// conflictWarn throttles acquire-conflict warnings: a pinned job whose
	// device stays busy requeues in a tight cycle and would flood the log.
	conflictWarn *rate.Limiter

	cbMu       sync.Mutex
	onComplete func(*task.Job)

	inFlight   int32
	dispatched uint64
	conflicts  uint64
}

// Executor mirrors executor.Executor; declared here so the scheduling core
// depends only on the contract.
type Executor interface {
	Execute(ctx context.Context, taskText, deviceID string) (message string, steps int, err error)
}

func New(cfg Config, pool *device.Pool, queue *task.Queue, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:          cfg.withDefaults(),
		log:          log,
		bus:          bus,
		pool:         pool,
		queue:        queue,
		exec:         exec,
		wake:         make(chan struct{}, 1),
		conflictWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Apply updates the config. Worker-slot changes take effect on next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start launches the assignment loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.slots = make(chan struct{}, cfg.Workers)
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// A crashing loop must not take the whole process down; restart it.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("assign-loop", func(c context.Context) error {
		s.run(c, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("assignment loop exited unexpectedly")
	})

	if cfg.RefreshInterval > 0 {
		sup.GoRestart("pool-refresh", func(c context.Context) error {
			s.refreshLoop(c, stopCh, cfg.RefreshInterval)
			return context.Canceled
		})
	}

	_, _, total := s.pool.Counts()
	s.log.Info("dispatch started", logx.Int("workers", cfg.Workers), logx.Int("devices", total))
}

// Stop shuts the loop down and waits for in-flight executions to settle or
// ctx to expire. Idempotent; concurrent calls wait for the first to finish.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()

	go func() {
		// Wait unbounded in background; caller can still time out.
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.slots = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatch stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit creates a pending ad-hoc job and wakes the loop. Enqueue never
// fails: there is no backpressure, pending growth is unbounded by design.
func (s *Service) Submit(name, taskText string, opts SubmitOptions) *task.Job {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	j := task.NewJob(name, taskText)
	j.DeviceID = opts.DeviceID
	j.MaxRetries = cfg.DefaultMaxRetries
	if opts.MaxRetries > 0 {
		j.MaxRetries = opts.MaxRetries
	}
	j.Timeout = cfg.DefaultTimeout
	if opts.Timeout > 0 {
		j.Timeout = opts.Timeout
	}
	s.SubmitJob(j)
	return j
}

// SubmitJob enqueues an already-constructed job (used by the cron trigger,
// which materializes a fresh instance per firing).
func (s *Service) SubmitJob(j *task.Job) {
	s.queue.Enqueue(j)
	s.publish(eventbus.TopicJobEnqueued, JobEvent{ID: j.ID, Name: j.Name, Status: task.StatusPending})
	s.log.Debug("job enqueued", logx.String("job", j.ID), logx.String("name", j.Name))
	s.signal()
}

// RunParallel submits one job per task description and blocks until all of
// them reach a terminal status (poll-until-terminal, 100ms tick) or ctx ends.
func (s *Service) RunParallel(ctx context.Context, tasks []string) ([]*task.Result, error) {
	jobs := make([]*task.Job, 0, len(tasks))
	for i, t := range tasks {
		jobs = append(jobs, s.Submit(fmt.Sprintf("parallel_%d", i), t, SubmitOptions{}))
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		allDone := true
		for _, j := range jobs {
			st, ok := s.queue.Status(j.ID)
			if ok && !st.Terminal() {
				allDone = false
				break
			}
		}
		if allDone {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}

	results := make([]*task.Result, 0, len(jobs))
	for _, j := range jobs {
		if j.Result != nil {
			results = append(results, j.Result)
		}
	}
	return results, nil
}

// Cancel cancels a pending job. Running jobs cannot be interrupted.
func (s *Service) Cancel(id string) error {
	if err := s.queue.Cancel(id); err != nil {
		return err
	}
	s.publish(eventbus.TopicJobCancelled, JobEvent{ID: id, Status: task.StatusCancelled})
	return nil
}

// Job looks a job up across all queue collections.
func (s *Service) Job(id string) (*task.Job, bool) {
	return s.queue.Job(id)
}

// OnJobComplete registers the completion callback, invoked at most once per
// terminal job. Callback panics are isolated and never leak a device.
func (s *Service) OnJobComplete(fn func(*task.Job)) {
	s.cbMu.Lock()
	s.onComplete = fn
	s.cbMu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil
	workers := s.cfg.Workers
	s.mu.Unlock()

	idle, busy, total := s.pool.Counts()
	return Snapshot{
		Running:      running,
		Workers:      workers,
		IdleDevices:  idle,
		BusyDevices:  busy,
		TotalDevices: total,
		PendingJobs:  s.queue.PendingCount(),
		RunningJobs:  s.queue.RunningCount(),
		InFlight:     int(atomic.LoadInt32(&s.inFlight)),
		Dispatched:   atomic.LoadUint64(&s.dispatched),
		Conflicts:    atomic.LoadUint64(&s.conflicts),
	}
}

// signal wakes the assignment loop without blocking; a pending wakeup is
// already enough.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) publish(topic eventbus.Topic, ev JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Topic: topic, Time: time.Now(), Data: ev})
	}
}
