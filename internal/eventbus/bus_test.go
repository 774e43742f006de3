package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := New(nil)

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Type: EventTaskCompleted, TaskCompleted: &TaskCompleted{SessionID: "deadbeef01"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventTaskCompleted || ev.TaskCompleted.SessionID != "deadbeef01" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // double cancel is safe

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(Event{Type: EventState})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < subscriberDepth+10; i++ {
		bus.Publish(Event{Type: EventOutput})
	}

	if len(ch) != subscriberDepth {
		t.Fatalf("buffered = %d, want %d", len(ch), subscriberDepth)
	}
}
