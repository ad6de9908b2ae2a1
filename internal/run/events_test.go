package run

import (
	"testing"
	"time"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			return out
		}
	}
}

func TestBusHistoryReplay(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Type: EventRunStarted, RunID: "r"})
	b.Publish(Event{Type: EventNodeStarted, RunID: "r", NodeID: 1})

	ch, _, unsub := b.Subscribe()
	defer unsub()

	ev := <-ch
	if ev.Type != EventRunStarted || ev.Seq != 1 {
		t.Fatalf("first replayed event: %+v", ev)
	}
	ev = <-ch
	if ev.Type != EventNodeStarted || ev.Seq != 2 {
		t.Fatalf("second replayed event: %+v", ev)
	}

	b.Publish(Event{Type: EventRunFinished, RunID: "r"})
	ev = <-ch
	if ev.Type != EventRunFinished || ev.Seq != 3 {
		t.Fatalf("live event: %+v", ev)
	}
}

func TestBusCloseSignalsDone(t *testing.T) {
	b := NewBus()
	ch, done, unsub := b.Subscribe()
	defer unsub()

	b.Publish(Event{Type: EventRunFinished, RunID: "r"})
	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel never closed")
	}
	evs := drain(ch)
	if len(evs) != 1 || evs[0].Type != EventRunFinished {
		t.Fatalf("drained %v", evs)
	}

	// Publishing after close is a silent no-op.
	b.Publish(Event{Type: EventNodeLog})
	if len(b.History()) != 1 {
		t.Fatal("history grew after close")
	}
}

func TestBusSubscribeAfterClose(t *testing.T) {
	b := NewBus()
	b.Publish(Event{Type: EventRunStarted})
	b.Publish(Event{Type: EventRunFinished})
	b.Close()

	ch, done, _ := b.Subscribe()
	select {
	case <-done:
	default:
		t.Fatal("done must already be closed")
	}
	evs := drain(ch)
	if len(evs) != 2 {
		t.Fatalf("replayed %d events, want 2", len(evs))
	}
}

func TestBusDropsProgressForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, _, unsub := b.Subscribe()
	defer unsub()

	// Fill the subscriber buffer without reading.
	for i := 0; i < subscriberBuffer; i++ {
		b.Publish(Event{Type: EventNodeProgress, RunID: "r"})
	}
	// These overflow and are droppable.
	b.Publish(Event{Type: EventNodeProgress, RunID: "r"})
	b.Publish(Event{Type: EventNodeLog, RunID: "r"})

	// Drain the buffer; once space opens, the next publish delivers a
	// dropped marker before the event itself.
	for i := 0; i < subscriberBuffer; i++ {
		<-ch
	}
	b.Publish(Event{Type: EventNodeFinished, RunID: "r", NodeID: 1})

	ev := <-ch
	if ev.Type != EventDropped || ev.Dropped != 2 {
		t.Fatalf("want dropped marker for 2 events, got %+v", ev)
	}
	ev = <-ch
	if ev.Type != EventNodeFinished {
		t.Fatalf("want node_finished after marker, got %+v", ev)
	}
}

func TestBusDisconnectsSlowSubscriberOnStateEvent(t *testing.T) {
	b := NewBus()
	ch, _, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer; i++ {
		b.Publish(Event{Type: EventNodeProgress})
	}
	// Non-droppable event with a full buffer: the subscriber is cut off.
	b.Publish(Event{Type: EventRunFinished})

	evs := drain(ch)
	if len(evs) != subscriberBuffer {
		t.Fatalf("drained %d events, want %d then close", len(evs), subscriberBuffer)
	}
	// History still holds everything for status readers.
	if len(b.History()) != subscriberBuffer+1 {
		t.Fatalf("history = %d", len(b.History()))
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	ch, _, unsub := b.Subscribe()
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: EventNodeLog}) // must not panic
}
