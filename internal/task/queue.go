package task

import "sync"

// DefaultHistorySize bounds the archive of terminal jobs.
const DefaultHistorySize = 100

// Queue tracks jobs across three disjoint collections: a FIFO pending list
// (retries reinsert at the front), a running map keyed by job id, and a
// capacity-bounded history of terminal jobs (oldest evicted first).
//
// A job id belongs to exactly one collection at any instant. All operations
// are serialized under one mutex; list accessors return snapshot copies.
type Queue struct {
	mu      sync.Mutex
	pending []*Job
	running map[string]*Job
	history []*Job

	maxHistory int
}

func NewQueue(historySize int) *Queue {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Queue{
		running:    make(map[string]*Job),
		maxHistory: historySize,
	}
}

// Enqueue appends the job to the pending tail and marks it pending.
func (q *Queue) Enqueue(j *Job) {
	q.mu.Lock()
	j.Status = StatusPending
	q.pending = append(q.pending, j)
	q.mu.Unlock()
}

// Requeue moves a just-dequeued job back to the pending tail after a lost
// device-acquire race. The id leaves the running set in the same critical
// section it re-enters pending, so the collections stay disjoint.
func (q *Queue) Requeue(j *Job) {
	q.mu.Lock()
	delete(q.running, j.ID)
	j.Status = StatusPending
	q.pending = append(q.pending, j)
	q.mu.Unlock()
}

// Dequeue pops the pending head, marks it running, and moves it to the
// running set. Returns false when nothing is pending.
func (q *Queue) Dequeue() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	j.Status = StatusRunning
	q.running[j.ID] = j
	return j, true
}

// Complete moves a running job to history with a terminal status.
func (q *Queue) Complete(id string, success bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.running[id]
	if !ok {
		return ErrNotRunning
	}
	delete(q.running, id)
	if success {
		j.Status = StatusSuccess
	} else {
		j.Status = StatusFailed
	}
	q.archiveLocked(j)
	return nil
}

// Retry moves a failed running job back to the pending front (retries jump
// ahead of freshly queued jobs). If the retry budget is spent, the job is
// marked failed, archived, and ErrRetryExhausted is returned.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.running[id]
	if !ok {
		return ErrNotRunning
	}
	delete(q.running, id)

	if j.RetryCount >= j.MaxRetries {
		j.Status = StatusFailed
		q.archiveLocked(j)
		return ErrRetryExhausted
	}

	j.RetryCount++
	j.Status = StatusPending
	q.pending = append([]*Job{j}, q.pending...)
	return nil
}

// Cancel removes a pending job and archives it as cancelled. Running and
// unknown jobs are not cancellable.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.pending {
		if j.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			j.Status = StatusCancelled
			q.archiveLocked(j)
			return nil
		}
	}
	return ErrNotCancellable
}

// Clear cancels and archives every pending job, returning how many were
// dropped. Running jobs are untouched.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	for _, j := range q.pending {
		j.Status = StatusCancelled
		q.archiveLocked(j)
	}
	q.pending = nil
	return n
}

// Job looks up a job by id: running first, then pending, then history.
func (q *Queue) Job(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.running[id]; ok {
		return j, true
	}
	for _, j := range q.pending {
		if j.ID == id {
			return j, true
		}
	}
	for _, j := range q.history {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// Status reports the current status of a job under the queue lock.
// Use this (not Job().Status) when polling from another goroutine.
func (q *Queue) Status(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.running[id]; ok {
		return j.Status, true
	}
	for _, j := range q.pending {
		if j.ID == id {
			return j.Status, true
		}
	}
	for _, j := range q.history {
		if j.ID == id {
			return j.Status, true
		}
	}
	return "", false
}

// Pending returns a snapshot of the pending jobs in queue order.
func (q *Queue) Pending() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.pending))
	copy(out, q.pending)
	return out
}

// Running returns a snapshot of the running jobs (unordered).
func (q *Queue) Running() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.running))
	for _, j := range q.running {
		out = append(out, j)
	}
	return out
}

// History returns up to limit of the most recent terminal jobs, oldest first.
// limit <= 0 returns everything retained.
func (q *Queue) History(limit int) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]*Job, len(h))
	copy(out, h)
	return out
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

func (q *Queue) archiveLocked(j *Job) {
	q.history = append(q.history, j)
	if len(q.history) > q.maxHistory {
		q.history = q.history[len(q.history)-q.maxHistory:]
	}
}
