package events

import (
	"sync"
	"testing"
	"time"
)

func TestEventEmitter_PublishesEvent(t *testing.T) {
	bus := NewEventBus(10)
	emitter := NewEventEmitter(bus, 8)

	got := make(chan BusEvent, 1)
	unsub := bus.SubscribeAll(func(e BusEvent) {
		select {
		case got <- e:
		default:
		}
	})
	defer unsub()

	emitter.Emit(NewProcessEvent("test_event", "sess", "hello", nil))

	select {
	case ev := <-got:
		if ev.EventType() != "test_event" {
			t.Fatalf("expected event_type test_event, got %q", ev.EventType())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event publish")
	}
}

func TestEventEmitter_DropsWhenBufferFull(t *testing.T) {
	bus := NewEventBus(10)
	// Force Publish() backpressure by shrinking the handler semaphore and
	// registering >1 handler where the first blocks.
	bus.handlerSem = make(chan struct{}, 1)

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	bus.Subscribe("test_event", func(e BusEvent) {
		once.Do(func() { close(started) })
		<-block
	})
	bus.Subscribe("test_event", func(e BusEvent) {})

	emitter := NewEventEmitter(bus, 2)

	// First event should wedge the emitter worker inside Publish().
	emitter.Emit(NewProcessEvent("test_event", "sess", "first", nil))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for blocking handler to start")
	}

	for i := 0; i < 64; i++ {
		emitter.Emit(NewProcessEvent("test_event", "sess", "spam", nil))
	}

	if emitter.Dropped() == 0 {
		close(block)
		t.Fatalf("expected dropped events when buffer is full")
	}

	close(block)
}
