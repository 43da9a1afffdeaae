package notify

import (
	"context"
	"sync"
	"time"
)

// Hub stores recent events and fans them out to per-job subscribers.
type Hub struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[string]map[int64]chan Event
	nextSub   int64
}

// NewHub creates a bounded in-memory event buffer.
func NewHub(maxEvents int) *Hub {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Hub{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[string]map[int64]chan Event),
	}
}

// Notify appends one event, assigns sequence and timestamp, and delivers it
// to subscribers of the job. Slow subscribers miss events rather than block
// the publisher.
func (h *Hub) Notify(_ context.Context, ev Event) error {
	h.Publish(ev)
	return nil
}

// Publish is Notify without a context, returning the sequenced event.
func (h *Hub) Publish(ev Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	ev.Seq = h.nextSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.events = append(h.events, ev)
	if len(h.events) > h.maxEvents {
		trim := len(h.events) - h.maxEvents
		h.events = append([]Event(nil), h.events[trim:]...)
	}

	for _, ch := range h.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Since returns events with sequence strictly greater than seq.
func (h *Hub) Since(seq int64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(h.events))
	for _, ev := range h.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers for events of one job. The returned cancel func must
// be called to release the subscription; it closes the channel.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 8)

	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int64]chan Event)
	}
	h.subs[jobID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], id)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of live subscriptions for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
