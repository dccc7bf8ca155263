package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic names one kind of scheduler event. The set is closed: every event
// this process emits is listed here, so subscribers can filter by topic
// instead of string-matching payloads.
type Topic string

const (
	TopicJobEnqueued  Topic = "job.enqueued"
	TopicJobStarted   Topic = "job.started"
	TopicJobRetry     Topic = "job.retry"
	TopicJobCompleted Topic = "job.completed"
	TopicJobFailed    Topic = "job.failed"
	TopicJobCancelled Topic = "job.cancelled"

	TopicDeviceOffline Topic = "device.offline"
	TopicDeviceOnline  Topic = "device.online"

	TopicTriggerFired Topic = "trigger.fired"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data carries the publisher's payload struct (dispatch.JobEvent,
// dispatch.DeviceEvent, trigger.FireEvent); it should stay small and
// JSON-serializable.
type Event struct {
	Topic Topic
	Time  time.Time
	Data  any
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a listener for the given topics; no topics means
	// every event. The returned func unregisters and closes the channel.
	Subscribe(buffer int, topics ...Topic) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	topics map[Topic]bool // nil means all topics
}

func (s *subscriber) wants(t Topic) bool {
	return s.topics == nil || s.topics[t]
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(s.ch)
		})
	}
	return s.ch, unsub
}
