package queue

import (
	"sync"

	"github.com/ahrdadan/jqgo/internal/scenario"
)

const (
	subscriberBuffer = 16
	// finishedRetention is how many final events are kept for late subscribers.
	finishedRetention = 1024
)

// Event is a job state change pushed to subscribers.
type Event struct {
	JobID    string               `json:"job_id"`
	Status   JobStatus            `json:"status"`
	Progress int                  `json:"progress,omitempty"`
	Message  string               `json:"message,omitempty"`
	Step     *scenario.StepResult `json:"step,omitempty"`
}

// EventHub fans job events out to per-job subscribers. Slow subscribers
// miss progress events, never the final one. A final event ends every
// subscription of its job.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[string][]chan Event
	finished    map[string]Event
	order       []string
	closed      bool
}

func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string][]chan Event),
		finished:    make(map[string]Event),
	}
}

// Subscribe returns a channel receiving the events of jobID. Subscribing to a
// job that already finished yields its final event on a closed channel.
func (h *EventHub) Subscribe(jobID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if ev, ok := h.finished[jobID]; ok {
		ch <- ev
		close(ch)
		return ch
	}
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[jobID] = append(h.subscribers[jobID], ch)
	return ch
}

// Unsubscribe closes ch and stops delivering to it. Channels already closed
// by a final event are ignored.
func (h *EventHub) Unsubscribe(jobID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.subscribers[jobID]) == 0 {
		delete(h.subscribers, jobID)
	}
}

// Emit delivers event to the subscribers of event.JobID.
func (h *EventHub) Emit(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[event.JobID]
	if !event.Status.Terminal() {
		for _, ch := range subs {
			select {
			case ch <- event:
			default:
			}
		}
		return
	}

	for _, ch := range subs {
		force(ch, event)
		close(ch)
	}
	delete(h.subscribers, event.JobID)
	h.remember(event)
}

// force sends ev, discarding the oldest buffered event if ch is full.
func force(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (h *EventHub) remember(ev Event) {
	if _, ok := h.finished[ev.JobID]; !ok {
		h.order = append(h.order, ev.JobID)
	}
	h.finished[ev.JobID] = ev
	for len(h.order) > finishedRetention {
		delete(h.finished, h.order[0])
		h.order = h.order[1:]
	}
}

// Close closes every subscription.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for jobID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, jobID)
	}
	h.closed = true
}
