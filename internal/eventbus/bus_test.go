package eventbus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestBusFanout(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Topic: TopicJobEnqueued, Data: "j1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		e := recv(t, ch)
		if e.Topic != TopicJobEnqueued || e.Data != "j1" {
			t.Fatalf("event = %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish did not stamp the event time")
		}
	}
}

func TestBusTopicFilter(t *testing.T) {
	t.Parallel()
	b := New()

	jobs, unsub := b.Subscribe(4, TopicJobCompleted, TopicJobFailed)
	defer unsub()

	b.Publish(Event{Topic: TopicDeviceOffline, Data: "d1"})
	b.Publish(Event{Topic: TopicJobCompleted, Data: "j1"})

	e := recv(t, jobs)
	if e.Topic != TopicJobCompleted {
		t.Fatalf("filtered subscriber got %s, want %s", e.Topic, TopicJobCompleted)
	}
	select {
	case e := <-jobs:
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Topic: TopicJobStarted, Data: 1})
	b.Publish(Event{Topic: TopicJobStarted, Data: 2})

	e := recv(t, ch)
	if e.Data != 1 {
		t.Fatalf("first event data = %v, want 1", e.Data)
	}
	select {
	case e := <-ch:
		t.Fatalf("overflow event delivered: %+v", e)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Event{Topic: TopicTriggerFired})

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
}
