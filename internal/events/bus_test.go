package events_test

import (
	"testing"
	"time"

	"github.com/callbridge-ai/callbridge/internal/events"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(nil)

	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.PublishStatus("CA1", "in-progress")

	for i, ch := range []<-chan events.Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != events.TypeStatus || evt.CallID != "CA1" {
				t.Errorf("subscriber %d: evt = %+v", i, evt)
			}
			if evt.Data["status"] != "in-progress" {
				t.Errorf("subscriber %d: data = %v", i, evt.Data)
			}
			if evt.Timestamp.IsZero() {
				t.Errorf("subscriber %d: zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(nil)

	ch, cancel := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", bus.SubscriberCount())
	}
	cancel()
	cancel() // idempotent
	if bus.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", bus.SubscriberCount())
	}

	// Channel is closed after cancel.
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(nil)

	ch, cancel := bus.Subscribe()
	defer cancel()

	// Overflow the buffer without draining; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			bus.PublishTranscript("CA1", "user", "line")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffer holds at most its capacity; the rest were dropped.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained == 0 || drained >= 200 {
				t.Errorf("drained = %d, want 0 < n < 200", drained)
			}
			return
		}
	}
}

func TestPublishContextRequest(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(nil)

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.PublishContextRequest("CA1", "What is the account number?")
	evt := <-ch
	if evt.Type != events.TypeContextRequest {
		t.Errorf("type = %s", evt.Type)
	}
	if evt.Data["question"] != "What is the account number?" {
		t.Errorf("data = %v", evt.Data)
	}
}
