package engine

import (
	"sync"
	"time"

	"github.com/roach88/cardsync/internal/card"
)

// eventType distinguishes between event kinds.
type eventType int

const (
	eventQueueChange eventType = iota + 1
	eventSeed
	eventForceSave
	eventResolve
	eventSetPolicy
	eventWake
	eventResult
	eventSettle
)

func (t eventType) String() string {
	switch t {
	case eventQueueChange:
		return "queue_change"
	case eventSeed:
		return "seed"
	case eventForceSave:
		return "force_save"
	case eventResolve:
		return "resolve"
	case eventSetPolicy:
		return "set_policy"
	case eventWake:
		return "wake"
	case eventResult:
		return "result"
	case eventSettle:
		return "settle"
	default:
		return "unknown"
	}
}

// event is one unit of work for the Run loop. Only the fields relevant to
// typ are set.
type event struct {
	typ eventType

	change      *card.ChangeRecord
	cards       []card.Card
	resolutions map[string]card.Resolution
	policy      Policy
	gen         uint64
	result      *attemptResult
	done        chan struct{}
}

// attemptResult is the outcome of one save attempt, posted back by the
// goroutine that performed it.
type attemptResult struct {
	flight   *flight
	resp     *card.SaveResponse
	err      error
	duration time.Duration
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so QueueChange never blocks the caller, and so timer
// callbacks and save goroutines can always post back to the loop.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the backing array does not retain records and
	// responses.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
