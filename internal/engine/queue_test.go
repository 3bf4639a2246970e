package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardsync/internal/card"
)

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	rec := &card.ChangeRecord{EntityID: "card-1"}
	ok := q.Enqueue(event{typ: eventQueueChange, change: rec})
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, eventQueueChange, got.typ)
	assert.Equal(t, "card-1", got.change.EntityID)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(event{typ: eventQueueChange, change: &card.ChangeRecord{EntityID: id}})
	}

	for _, want := range []string{"A", "B", "C"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.change.EntityID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_SignalCoalesces(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(event{typ: eventWake})
	q.Enqueue(event{typ: eventWake})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce into one")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(event{typ: eventWake}), "enqueue after close should fail")

	_, open := <-q.Wait()
	assert.False(t, open, "signal channel should be closed")
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := newEventQueue()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(event{typ: eventWake})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, q.Len())
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "queue_change", eventQueueChange.String())
	assert.Equal(t, "settle", eventSettle.String())
	assert.Equal(t, "unknown", eventType(99).String())
}
