package engine

import (
	"container/heap"
	"time"

	"github.com/roach88/cardsync/internal/card"
)

// scheduler orders armed entries by flush deadline.
// Accessed only from the Run loop goroutine.
type scheduler struct {
	h entryHeap
}

// deadlineFor computes an entry's deadline after a change of priority
// incoming arrives at now. prev is the entry's priority before the change.
//
// A more urgent change can only pull the deadline earlier, a change of the
// same priority restarts the quiet period, and a less urgent change leaves
// the armed deadline alone.
func deadlineFor(p Policy, now time.Time, e *entry, prev, incoming card.Priority) time.Time {
	proposed := now.Add(p.Window(incoming))
	if !e.armed || prev == 0 {
		return proposed
	}
	switch {
	case incoming > prev:
		if proposed.Before(e.deadline) {
			return proposed
		}
		return e.deadline
	case incoming == prev:
		return proposed
	default:
		return e.deadline
	}
}

// arm sets the entry's deadline and schedules it unless it is held.
func (s *scheduler) arm(e *entry, deadline time.Time) {
	e.deadline = deadline
	e.armed = true
	e.reason = ""
	if e.held {
		return
	}
	if e.index >= 0 {
		heap.Fix(&s.h, e.index)
		return
	}
	heap.Push(&s.h, e)
}

// next returns the earliest scheduled deadline.
func (s *scheduler) next() (time.Time, bool) {
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].deadline, true
}

// popDue removes and returns every entry due at or before limit, in
// deadline order.
func (s *scheduler) popDue(limit time.Time) []*entry {
	var due []*entry
	for len(s.h) > 0 && !s.h[0].deadline.After(limit) {
		due = append(due, heap.Pop(&s.h).(*entry))
	}
	return due
}

// entryHeap implements heap.Interface ordered by deadline, then queue order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
