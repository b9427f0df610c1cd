package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHubFanOut(t *testing.T) {
	hub := NewEventHub()
	ch1, cancel1 := hub.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := hub.Subscribe(4)
	defer cancel2()

	hub.Publish(Event{Type: EventWorkerCreated, WorkerID: 7})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventWorkerCreated, ev.Type)
			assert.Equal(t, int64(7), ev.WorkerID)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestEventHubNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := NewEventHub()
	_, cancel := hub.Subscribe(1)
	defer cancel()

	// Buffer holds one event; the rest are dropped, not queued.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(Event{Type: EventTaskCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestEventHubCancelClosesChannel(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe(1)

	cancel()
	_, open := <-ch
	require.False(t, open)

	// Cancel is idempotent and publishing afterwards is safe.
	cancel()
	hub.Publish(Event{Type: EventQueueFull})
}
