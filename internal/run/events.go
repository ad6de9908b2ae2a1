// Package run owns run lifecycles: the registry tracking active and terminal
// runs, the per-run event bus, and the scheduler that drives a flow snapshot
// through the worker.
package run

import (
	"sync"
	"time"
)

// EventType enumerates run stream events.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventNodeStarted  EventType = "node_started"
	EventNodeProgress EventType = "node_progress"
	EventNodeLog      EventType = "node_log"
	EventNodeFinished EventType = "node_finished"
	EventRunFinished  EventType = "run_finished"
	// EventDropped is the overflow marker delivered to a subscriber that
	// could not keep up; Dropped counts the events it missed.
	EventDropped EventType = "dropped"
)

// Event is one entry of a run's ordered stream.
type Event struct {
	Seq    uint64    `json:"seq"`
	Type   EventType `json:"type"`
	RunID  string    `json:"run_id"`
	NodeID uint64    `json:"node_id,omitempty"`
	TaskID string    `json:"task_id,omitempty"`
	Time   time.Time `json:"time"`

	State    string  `json:"state,omitempty"`
	Cached   bool    `json:"cached,omitempty"`
	Fraction float64 `json:"fraction,omitempty"`
	Rows     int64   `json:"rows,omitempty"`
	Stage    string  `json:"stage,omitempty"`
	Level    string  `json:"level,omitempty"`
	Message  string  `json:"message,omitempty"`
	Error    string  `json:"error,omitempty"`
	ErrClass string  `json:"error_class,omitempty"`
	Dropped  uint64  `json:"dropped,omitempty"`
}

const subscriberBuffer = 1024

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// Bus fans a run's events out to subscribers. New subscribers replay the
// full history first. A slow subscriber loses progress and log events, which
// are summarized by a dropped marker once it catches up; state transitions
// and terminal events disconnect it instead of being lost silently.
type Bus struct {
	mu      sync.Mutex
	history []Event
	subs    map[uint64]*subscriber
	nextID  uint64
	nextSeq uint64
	closed  bool
	doneCh  chan struct{}
}

func NewBus() *Bus {
	return &Bus{
		subs:   map[uint64]*subscriber{},
		doneCh: make(chan struct{}),
	}
}

// Publish stamps the event with the next sequence number and fans it out.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nextSeq++
	ev.Seq = b.nextSeq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.history = append(b.history, ev)

	droppable := ev.Type == EventNodeProgress || ev.Type == EventNodeLog
	for id, sub := range b.subs {
		if sub.dropped > 0 {
			marker := Event{Type: EventDropped, RunID: ev.RunID, Dropped: sub.dropped, Time: ev.Time}
			select {
			case sub.ch <- marker:
				sub.dropped = 0
			default:
				if droppable {
					sub.dropped++
					continue
				}
				// A state transition cannot be silently lost; disconnect
				// the subscriber so it re-reads from status instead.
				close(sub.ch)
				delete(b.subs, id)
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			if droppable {
				sub.dropped++
			} else {
				close(sub.ch)
				delete(b.subs, id)
			}
		}
	}
}

// Subscribe returns the event channel, a done channel closed when the run's
// stream ends, and an unsubscribe function. History replays first.
func (b *Bus) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, len(b.history)+subscriberBuffer)
	for _, ev := range b.history {
		ch <- ev
	}
	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch}
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close ends the stream after the terminal event has been published.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// History returns a copy of all events so far.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}
