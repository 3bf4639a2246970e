package engine

import (
	"cmp"
	"slices"
	"time"

	"github.com/roach88/cardsync/internal/card"
)

// entry is a card's slot in the mutation queue. There is at most one entry
// per card; later changes merge into it.
type entry struct {
	rec *card.ChangeRecord
	seq int64

	// deadline is when the entry becomes eligible to flush. It is meaningful
	// only while armed.
	deadline time.Time
	armed    bool

	// held is set when the deadline passed while the card was in flight.
	// A held entry is out of the schedule until that flight resolves.
	held bool

	// reason is set on dormant entries: records put back after their batch
	// failed, waiting for ForceSave or a new edit.
	reason string

	index int // position in the schedule heap, -1 when not scheduled
}

func (e *entry) dormant() bool {
	return !e.armed
}

// mutationQueue owns every unsent change record.
// Accessed only from the Run loop goroutine.
type mutationQueue struct {
	entries map[string]*entry
	seq     int64
}

func newMutationQueue() *mutationQueue {
	return &mutationQueue{entries: make(map[string]*entry)}
}

// merge folds change into the card's entry, creating the entry if needed.
// Fields overwrite field-by-field and the priority only ever rises.
// It returns the entry and the priority the entry had before the merge,
// which is zero for a new entry.
func (q *mutationQueue) merge(change *card.ChangeRecord) (*entry, card.Priority) {
	if e, ok := q.entries[change.EntityID]; ok {
		prev := e.rec.Priority
		e.rec.Patch = e.rec.Patch.Merge(change.Patch)
		e.rec.Priority = card.MaxPriority(prev, change.Priority)
		return e, prev
	}

	q.seq++
	e := &entry{rec: change.Clone(), seq: q.seq, index: -1}
	q.entries[change.EntityID] = e
	return e, 0
}

// underlay merges rec beneath the card's entry, so fields queued since rec
// was taken win. The entry keeps its base; rec's seen versions are added.
// It returns the entry and its priority before the merge, zero if created.
// A created entry is unarmed.
func (q *mutationQueue) underlay(rec *card.ChangeRecord) (*entry, card.Priority) {
	if e, ok := q.entries[rec.EntityID]; ok {
		prev := e.rec.Priority
		e.rec.Patch = rec.Patch.Merge(e.rec.Patch)
		e.rec.Priority = card.MaxPriority(rec.Priority, prev)
		for f, v := range rec.Seen {
			e.rec.See(f, v)
		}
		return e, prev
	}

	q.seq++
	e := &entry{rec: rec.Clone(), seq: q.seq, index: -1}
	q.entries[rec.EntityID] = e
	return e, 0
}

func (q *mutationQueue) get(id string) (*entry, bool) {
	e, ok := q.entries[id]
	return e, ok
}

// take removes the card's entry and hands its record to the caller.
func (q *mutationQueue) take(id string) *card.ChangeRecord {
	e, ok := q.entries[id]
	if !ok {
		return nil
	}
	delete(q.entries, id)
	return e.rec
}

func (q *mutationQueue) len() int {
	return len(q.entries)
}

// counts returns how many entries are waiting to flush and how many are dormant.
func (q *mutationQueue) counts() (waiting, dormant int) {
	for _, e := range q.entries {
		if e.dormant() {
			dormant++
		} else {
			waiting++
		}
	}
	return waiting, dormant
}

// dormantReason returns the failure reason of any dormant entry.
func (q *mutationQueue) dormantReason() string {
	var oldest *entry
	for _, e := range q.entries {
		if e.dormant() && (oldest == nil || e.seq < oldest.seq) {
			oldest = e
		}
	}
	if oldest == nil {
		return ""
	}
	return oldest.reason
}

// ordered returns every entry in queue order.
func (q *mutationQueue) ordered() []*entry {
	out := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	return out
}
