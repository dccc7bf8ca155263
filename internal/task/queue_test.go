package task

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)

	var ids []string
	for i := 0; i < 5; i++ {
		j := NewJob(fmt.Sprintf("job-%d", i), "open settings")
		q.Enqueue(j)
		ids = append(ids, j.ID)
	}

	for _, want := range ids {
		j, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue returned empty, want %s", want)
		}
		if j.ID != want {
			t.Fatalf("Dequeue order = %s, want %s", j.ID, want)
		}
		if j.Status != StatusRunning {
			t.Fatalf("dequeued status = %s, want running", j.Status)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue on empty queue returned a job")
	}
}

func TestQueueRetryReinsertsAtFront(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)

	first := NewJob("first", "task a")
	second := NewJob("second", "task b")
	q.Enqueue(first)
	q.Enqueue(second)

	j, _ := q.Dequeue() // first
	if err := q.Retry(j.ID); err != nil {
		t.Fatalf("Retry error: %v", err)
	}

	// The retried job jumps ahead of second, which was enqueued earlier.
	next, _ := q.Dequeue()
	if next.ID != first.ID {
		t.Fatalf("after retry Dequeue = %s, want %s", next.ID, first.ID)
	}
	if next.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", next.RetryCount)
	}
}

func TestQueueRetryExhaustion(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)

	j := NewJob("flaky", "tap the button")
	j.MaxRetries = 2
	q.Enqueue(j)

	attempts := 0
	for {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatal("job vanished before exhaustion")
		}
		attempts++
		err := q.Retry(got.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRetryExhausted) {
			t.Fatalf("Retry error = %v, want ErrRetryExhausted", err)
		}
		break
	}

	// initial attempt + MaxRetries reruns
	if want := j.MaxRetries + 1; attempts != want {
		t.Fatalf("attempts = %d, want %d", attempts, want)
	}
	if j.Status != StatusFailed {
		t.Fatalf("final status = %s, want failed", j.Status)
	}
	if j.RetryCount != j.MaxRetries {
		t.Fatalf("RetryCount = %d, want %d", j.RetryCount, j.MaxRetries)
	}

	hist := q.History(0)
	seen := 0
	for _, h := range hist {
		if h.ID == j.ID {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("job archived %d times, want exactly once", seen)
	}
}

func TestQueueRequeueLeavesRunning(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)

	j := NewJob("contested", "task")
	q.Enqueue(j)
	got, _ := q.Dequeue()

	q.Requeue(got)
	if q.RunningCount() != 0 {
		t.Fatalf("RunningCount after Requeue = %d, want 0", q.RunningCount())
	}
	if q.PendingCount() != 1 {
		t.Fatalf("PendingCount after Requeue = %d, want 1", q.PendingCount())
	}
	if got.Status != StatusPending {
		t.Fatalf("status after Requeue = %s, want pending", got.Status)
	}

	// A requeued job is pending again, so it must be cancellable, and the
	// cancel must not leave a stale running entry behind.
	if err := q.Cancel(got.ID); err != nil {
		t.Fatalf("Cancel requeued job: %v", err)
	}
	if q.RunningCount() != 0 || q.PendingCount() != 0 {
		t.Fatalf("after cancel: pending=%d running=%d, want 0/0", q.PendingCount(), q.RunningCount())
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status after cancel = %s, want cancelled", got.Status)
	}
	if len(q.History(0)) != 1 {
		t.Fatalf("history length = %d, want 1", len(q.History(0)))
	}
}

func TestQueueRetryNotRunning(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)
	if err := q.Retry("nope"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Retry on unknown id = %v, want ErrNotRunning", err)
	}
}

func TestQueueCancelPendingOnly(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)

	pend := NewJob("pending", "task")
	run := NewJob("running", "task")
	q.Enqueue(run)
	q.Enqueue(pend)
	q.Dequeue() // run moves to running

	if err := q.Cancel(pend.ID); err != nil {
		t.Fatalf("Cancel pending error: %v", err)
	}
	if pend.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", pend.Status)
	}
	if err := q.Cancel(run.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("Cancel running = %v, want ErrNotCancellable", err)
	}
	if err := q.Cancel("unknown"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("Cancel unknown = %v, want ErrNotCancellable", err)
	}
}

func TestQueueHistoryEviction(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)

	var ids []string
	for i := 0; i < 15; i++ {
		j := NewJob(fmt.Sprintf("h-%d", i), "task")
		q.Enqueue(j)
		got, _ := q.Dequeue()
		if err := q.Complete(got.ID, true); err != nil {
			t.Fatalf("Complete error: %v", err)
		}
		ids = append(ids, j.ID)
	}

	hist := q.History(0)
	if len(hist) != 10 {
		t.Fatalf("history length = %d, want 10", len(hist))
	}
	// Oldest five evicted; survivors in completion order.
	for i, h := range hist {
		if want := ids[i+5]; h.ID != want {
			t.Fatalf("history[%d] = %s, want %s", i, h.ID, want)
		}
	}
}

func TestQueueExactlyOneCollection(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)

	j := NewJob("solo", "task")
	q.Enqueue(j)

	count := func() int {
		n := 0
		for _, p := range q.Pending() {
			if p.ID == j.ID {
				n++
			}
		}
		for _, r := range q.Running() {
			if r.ID == j.ID {
				n++
			}
		}
		for _, h := range q.History(0) {
			if h.ID == j.ID {
				n++
			}
		}
		return n
	}

	if n := count(); n != 1 {
		t.Fatalf("pending phase: job in %d collections", n)
	}
	q.Dequeue()
	if n := count(); n != 1 {
		t.Fatalf("running phase: job in %d collections", n)
	}
	if err := q.Complete(j.ID, false); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if n := count(); n != 1 {
		t.Fatalf("terminal phase: job in %d collections", n)
	}
	if j.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
}

func TestQueueClear(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)

	running := NewJob("keeper", "task")
	q.Enqueue(running)
	q.Dequeue()
	for i := 0; i < 3; i++ {
		q.Enqueue(NewJob(fmt.Sprintf("drop-%d", i), "task"))
	}

	if n := q.Clear(); n != 3 {
		t.Fatalf("Clear = %d, want 3", n)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("pending not empty after Clear")
	}
	if q.RunningCount() != 1 {
		t.Fatalf("running touched by Clear")
	}
	for _, h := range q.History(0) {
		if h.Status != StatusCancelled {
			t.Fatalf("cleared job status = %s, want cancelled", h.Status)
		}
	}
}

func TestQueueConcurrentEnqueueDequeue(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)

	const total = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			q.Enqueue(NewJob(fmt.Sprintf("c-%d", i), "task"))
		}
	}()

	got := 0
	go func() {
		defer wg.Done()
		for got < total {
			if j, ok := q.Dequeue(); ok {
				if err := q.Complete(j.ID, true); err != nil {
					t.Errorf("Complete error: %v", err)
					return
				}
				got++
			}
		}
	}()
	wg.Wait()

	if q.PendingCount() != 0 || q.RunningCount() != 0 {
		t.Fatalf("leftover jobs: pending=%d running=%d", q.PendingCount(), q.RunningCount())
	}
}
