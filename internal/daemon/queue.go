package daemon

import (
	"sync"

	"github.com/servicestatus/agent/internal/domain"
)

// Queue is the bounded, globally FIFO delivery buffer between the tail
// pipeline and the reporter connection. Enqueue never blocks the
// producer: at capacity the oldest event is dropped and counted. Bounded
// memory beats unbounded buffering during a prolonged backend outage.
type Queue struct {
	mu       sync.Mutex
	events   []domain.StatusEvent
	capacity int
	dropped  uint64

	// signal wakes the single consumer when events arrive.
	signal chan struct{}
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends an event, dropping the oldest one if the queue is full.
func (q *Queue) Enqueue(ev domain.StatusEvent) {
	q.mu.Lock()
	if len(q.events) >= q.capacity {
		q.events = q.events[1:]
		q.dropped++
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// DequeueBatch removes and returns up to maxN events from the front.
// Returned events are not considered delivered until the connection
// acknowledges the send; on failure the caller must Requeue them.
func (q *Queue) DequeueBatch(maxN int) []domain.StatusEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.events)
	if n == 0 {
		return nil
	}
	if n > maxN {
		n = maxN
	}

	batch := make([]domain.StatusEvent, n)
	copy(batch, q.events[:n])
	q.events = q.events[n:]
	return batch
}

// Requeue re-inserts unacknowledged events at the front, preserving their
// original order. If that would exceed capacity the newest queued events
// are dropped from the back: the front of the queue is the oldest data
// and keeps its claim to delivery.
func (q *Queue) Requeue(batch []domain.StatusEvent) {
	if len(batch) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(batch[:len(batch):len(batch)], q.events...)
	if overflow := len(q.events) - q.capacity; overflow > 0 {
		q.events = q.events[:q.capacity]
		q.dropped += uint64(overflow)
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drops returns the total number of events dropped due to overflow.
func (q *Queue) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Wait returns a channel that receives a tick when new events arrive.
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}
