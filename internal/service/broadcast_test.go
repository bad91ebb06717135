package service

import (
	"testing"
	"time"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	hub := NewHub()

	ch1, cancel1 := hub.Subscribe()
	ch2, cancel2 := hub.Subscribe()
	defer cancel1()
	defer cancel2()

	if hub.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", hub.SubscriberCount())
	}

	hub.Publish(Event{Type: EventProgress, RunID: "run-1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.RunID != "run-1" {
				t.Errorf("subscriber %d: unexpected event %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event delivered", i)
		}
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()

	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
	if hub.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", hub.SubscriberCount())
	}

	// double cancel must not panic
	cancel()
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// well past the subscriber buffer, with nobody draining
		for i := 0; i < subscriberBuffer*2; i++ {
			hub.Publish(Event{Type: EventProgress, RunID: "run-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// the buffer holds exactly its capacity; the rest were dropped
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained != subscriberBuffer {
				t.Errorf("expected %d buffered events, got %d", subscriberBuffer, drained)
			}
			return
		}
	}
}
