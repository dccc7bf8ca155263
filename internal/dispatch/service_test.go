package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"droidsched/internal/device"
	"droidsched/internal/task"
	logx "droidsched/pkg/logx"
)

type execFunc func(ctx context.Context, taskText, deviceID string) (string, int, error)

func (f execFunc) Execute(ctx context.Context, taskText, deviceID string) (string, int, error) {
	return f(ctx, taskText, deviceID)
}

func newTestPoolWith(t *testing.T, ids ...string) *device.Pool {
	t.Helper()
	p := device.NewPool(device.ProberFunc(func(context.Context, string) bool { return true }), logx.Nop())
	for _, id := range ids {
		if err := p.Add(context.Background(), id); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}
	return p
}

func newTestService(t *testing.T, cfg Config, exec Executor, devices ...string) (*Service, *task.Queue, *device.Pool) {
	t.Helper()
	pool := newTestPoolWith(t, devices...)
	queue := task.NewQueue(0)
	svc := New(cfg, pool, queue, exec, logx.Nop(), nil)
	return svc, queue, pool
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
}

func waitTerminal(t *testing.T, svc *Service, id string, timeout time.Duration) task.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st, ok := svc.queue.Status(id); ok && st.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status within %v", id, timeout)
	return ""
}

func TestDispatchExecutesSubmittedJob(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var devices []string
	exec := execFunc(func(_ context.Context, _, deviceID string) (string, int, error) {
		mu.Lock()
		devices = append(devices, deviceID)
		mu.Unlock()
		return "done", 3, nil
	})
	svc, _, pool := newTestService(t, Config{Workers: 2}, exec, "emulator-5554")
	startService(t, svc)

	j := svc.Submit("open settings", "open the settings app", SubmitOptions{})
	if st := waitTerminal(t, svc, j.ID, 5*time.Second); st != task.StatusSuccess {
		t.Fatalf("status = %s, want success", st)
	}

	if j.Result == nil {
		t.Fatal("terminal job has no result")
	}
	if !j.Result.Success || j.Result.Message != "done" || j.Result.Steps != 3 {
		t.Fatalf("result = %+v", j.Result)
	}
	if j.Result.DeviceID != "emulator-5554" {
		t.Fatalf("result device = %s", j.Result.DeviceID)
	}

	d, _ := pool.Get("emulator-5554")
	if d.Status != device.StatusIdle {
		t.Fatalf("device not released: %s", d.Status)
	}
	if d.TotalJobs != 1 || d.SuccessJobs != 1 {
		t.Fatalf("device counters = %d/%d", d.TotalJobs, d.SuccessJobs)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(devices) != 1 {
		t.Fatalf("executor ran %d times, want 1", len(devices))
	}
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	exec := execFunc(func(context.Context, string, string) (string, int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return "", 0, errors.New("agent flaked")
		}
		return "recovered", 1, nil
	})
	svc, _, _ := newTestService(t, Config{Workers: 1}, exec, "a")
	startService(t, svc)

	j := svc.Submit("flaky", "swipe up", SubmitOptions{MaxRetries: 5})
	if st := waitTerminal(t, svc, j.ID, 5*time.Second); st != task.StatusSuccess {
		t.Fatalf("status = %s, want success", st)
	}
	if j.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", j.RetryCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("executor calls = %d, want 3", calls)
	}
}

func TestDispatchRetryExhaustion(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	exec := execFunc(func(context.Context, string, string) (string, int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "", 0, errors.New("element not found")
	})
	svc, _, pool := newTestService(t, Config{Workers: 1}, exec, "a")
	startService(t, svc)

	j := svc.Submit("doomed", "tap the missing button", SubmitOptions{MaxRetries: 2})
	if st := waitTerminal(t, svc, j.ID, 5*time.Second); st != task.StatusFailed {
		t.Fatalf("status = %s, want failed", st)
	}
	if j.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", j.RetryCount)
	}
	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 3 {
		t.Fatalf("executor calls = %d, want 3 (initial + 2 retries)", got)
	}
	if j.Result == nil || j.Result.Error == "" {
		t.Fatalf("failed job result = %+v", j.Result)
	}

	d, _ := pool.Get("a")
	if d.Status != device.StatusIdle {
		t.Fatalf("device not released after failure: %s", d.Status)
	}
}

func TestDispatchPinnedDevice(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var used []string
	exec := execFunc(func(_ context.Context, _, deviceID string) (string, int, error) {
		mu.Lock()
		used = append(used, deviceID)
		mu.Unlock()
		return "ok", 1, nil
	})
	svc, _, _ := newTestService(t, Config{Workers: 2}, exec, "a", "b")
	startService(t, svc)

	j := svc.Submit("pinned", "check notifications", SubmitOptions{DeviceID: "b"})
	if st := waitTerminal(t, svc, j.ID, 5*time.Second); st != task.StatusSuccess {
		t.Fatalf("status = %s, want success", st)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(used) != 1 || used[0] != "b" {
		t.Fatalf("executed on %v, want [b]", used)
	}
}

func TestDispatchPinnedToBusyDeviceKeepsCollectionsDisjoint(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	exec := execFunc(func(ctx context.Context, _, _ string) (string, int, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "ok", 1, nil
	})
	// Device "b" stays idle so the loop keeps cycling while "a" is occupied.
	svc, queue, _ := newTestService(t, Config{Workers: 2}, exec, "a", "b")
	startService(t, svc)

	j1 := svc.Submit("occupier", "task", SubmitOptions{DeviceID: "a"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, ok := queue.Status(j1.ID); ok && st == task.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Pinned to the busy device: the job cycles dequeue -> acquire conflict
	// -> requeue until "a" frees up.
	j2 := svc.Submit("waiter", "task", SubmitOptions{DeviceID: "a"})
	deadline = time.Now().Add(2 * time.Second)
	for atomic.LoadUint64(&svc.conflicts) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("acquire conflict never observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// While spinning, the waiter must live in exactly one collection: a
	// requeue that leaves the id in the running map would show running=2.
	deadline = time.Now().Add(2 * time.Second)
	for {
		if queue.RunningCount() == 1 && queue.PendingCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiter duplicated: pending=%d running=%d", queue.PendingCount(), queue.RunningCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The requeued job is pending, so it must be cancellable; retry around
	// the instant it sits in the dequeue-acquire window.
	deadline = time.Now().Add(2 * time.Second)
	for {
		if err := svc.Cancel(j2.ID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("requeued job never became cancellable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(block)
	if st := waitTerminal(t, svc, j1.ID, 5*time.Second); st != task.StatusSuccess {
		t.Fatalf("occupier status = %s, want success", st)
	}

	// Nothing may linger in the running map once both jobs are terminal.
	if n := queue.RunningCount(); n != 0 {
		t.Fatalf("RunningCount after drain = %d, want 0", n)
	}
	if st, _ := queue.Status(j2.ID); st != task.StatusCancelled {
		t.Fatalf("waiter status = %s, want cancelled", st)
	}
	seen := 0
	for _, h := range queue.History(0) {
		if h.ID == j2.ID {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("waiter archived %d times, want exactly once", seen)
	}
}

func TestDispatchCallbackOncePerJobAndPanicIsolated(t *testing.T) {
	t.Parallel()
	exec := execFunc(func(context.Context, string, string) (string, int, error) {
		return "ok", 1, nil
	})
	svc, _, pool := newTestService(t, Config{Workers: 2}, exec, "a")

	var mu sync.Mutex
	seen := map[string]int{}
	svc.OnJobComplete(func(j *task.Job) {
		mu.Lock()
		seen[j.ID]++
		mu.Unlock()
		panic("callback bug")
	})
	startService(t, svc)

	j1 := svc.Submit("one", "task", SubmitOptions{})
	j2 := svc.Submit("two", "task", SubmitOptions{})
	waitTerminal(t, svc, j1.ID, 5*time.Second)
	waitTerminal(t, svc, j2.ID, 5*time.Second)

	// The panicking callback must not wedge devices or the loop.
	deadline := time.Now().Add(2 * time.Second)
	for {
		d, _ := pool.Get("a")
		if d.Status == device.StatusIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("device stuck %s after callback panic", d.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("callback for %s ran %d times, want 1", id, n)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("callback covered %d jobs, want 2", len(seen))
	}
}

func TestDispatchNoCallbackOnRetry(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	exec := execFunc(func(context.Context, string, string) (string, int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", 0, errors.New("once")
		}
		return "ok", 1, nil
	})
	svc, _, _ := newTestService(t, Config{Workers: 1}, exec, "a")

	cb := 0
	svc.OnJobComplete(func(*task.Job) {
		mu.Lock()
		cb++
		mu.Unlock()
	})
	startService(t, svc)

	j := svc.Submit("retry-once", "task", SubmitOptions{MaxRetries: 3})
	waitTerminal(t, svc, j.ID, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if cb != 1 {
		t.Fatalf("callback ran %d times, want 1 (terminal only)", cb)
	}
}

func TestDispatchRunParallel(t *testing.T) {
	t.Parallel()
	exec := execFunc(func(_ context.Context, taskText, _ string) (string, int, error) {
		return "did " + taskText, 2, nil
	})
	svc, _, _ := newTestService(t, Config{Workers: 3}, exec, "a", "b")
	startService(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := svc.RunParallel(ctx, []string{"open maps", "check mail", "take screenshot"})
	if err != nil {
		t.Fatalf("RunParallel error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("parallel job failed: %+v", r)
		}
	}
}

func TestDispatchCancelPending(t *testing.T) {
	t.Parallel()
	exec := execFunc(func(context.Context, string, string) (string, int, error) {
		return "ok", 1, nil
	})
	// No devices: submitted jobs stay pending.
	svc, _, _ := newTestService(t, Config{Workers: 1}, exec)
	startService(t, svc)

	j := svc.Submit("stuck", "task", SubmitOptions{})
	if err := svc.Cancel(j.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if j.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	if err := svc.Cancel(j.ID); !errors.Is(err, task.ErrNotCancellable) {
		t.Fatalf("second Cancel = %v, want ErrNotCancellable", err)
	}
}

func TestDispatchFIFOOnSingleDevice(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []string
	exec := execFunc(func(_ context.Context, taskText, _ string) (string, int, error) {
		mu.Lock()
		order = append(order, taskText)
		mu.Unlock()
		return "ok", 1, nil
	})
	svc, _, _ := newTestService(t, Config{Workers: 1}, exec, "solo")
	startService(t, svc)

	var jobs []*task.Job
	for i := 0; i < 4; i++ {
		jobs = append(jobs, svc.Submit(fmt.Sprintf("j%d", i), fmt.Sprintf("task-%d", i), SubmitOptions{}))
	}
	for _, j := range jobs {
		waitTerminal(t, svc, j.ID, 5*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if want := fmt.Sprintf("task-%d", i); got != want {
			t.Fatalf("execution order[%d] = %s, want %s", i, got, want)
		}
	}
}

func TestDispatchSnapshot(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	exec := execFunc(func(ctx context.Context, _, _ string) (string, int, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "ok", 1, nil
	})
	svc, _, _ := newTestService(t, Config{Workers: 2}, exec, "a")
	startService(t, svc)

	j := svc.Submit("long", "task", SubmitOptions{})
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := svc.Snapshot()
		if snap.BusyDevices == 1 && snap.RunningJobs == 1 {
			if !snap.Running || snap.Workers != 2 {
				t.Fatalf("snapshot = %+v", snap)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never observed running: %+v", svc.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(block)
	waitTerminal(t, svc, j.ID, 5*time.Second)
}
