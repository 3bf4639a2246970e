package engine

import (
	"cmp"
	"slices"

	"github.com/roach88/cardsync/internal/canon"
	"github.com/roach88/cardsync/internal/card"
)

// detection is the conflict detector's verdict for one record.
type detection struct {
	// conflicts lists fields both sides changed to different values.
	conflicts []card.ConflictInfo

	// resend holds fields the server held back although the remote change
	// predates what the record had observed. They can be written without
	// contention.
	resend card.Patch
}

// detect classifies the fields of rec against a conflict outcome.
//
// A field the outcome does not report was applied. A reported field is a
// conflict when the remote side changed it after the record's base and the
// remote value differs from the local one. Equal values are not conflicts.
func detect(rec *card.ChangeRecord, out card.Outcome) detection {
	var d detection
	for _, field := range rec.Patch.Fields() {
		remote, ok := out.Remote[field]
		if !ok {
			continue
		}
		mine := rec.Patch[field]
		if canon.Equal(mine, remote.Value) {
			continue
		}
		if !card.RemoteChanged(rec.Base, rec.Seen, field, remote) {
			if d.resend == nil {
				d.resend = card.Patch{}
			}
			d.resend[field] = mine
			continue
		}
		d.conflicts = append(d.conflicts, card.ConflictInfo{
			EntityID:       rec.EntityID,
			Field:          field,
			YourValue:      mine,
			TheirValue:     remote.Value,
			TheirTimestamp: remote.UpdatedAt,
			TheirUser:      remote.UpdatedBy,
		})
	}
	return d
}

// conflictSet holds unresolved conflicts keyed by card, then field.
// Accessed only from the Run loop goroutine.
type conflictSet struct {
	byEntity map[string]map[string]card.ConflictInfo
}

func newConflictSet() *conflictSet {
	return &conflictSet{byEntity: make(map[string]map[string]card.ConflictInfo)}
}

// add records c, replacing any earlier conflict on the same field.
func (s *conflictSet) add(c card.ConflictInfo) {
	fields, ok := s.byEntity[c.EntityID]
	if !ok {
		fields = make(map[string]card.ConflictInfo)
		s.byEntity[c.EntityID] = fields
	}
	fields[c.Field] = c
}

// remove drops the conflict on one field and reports whether there was one.
func (s *conflictSet) remove(entityID, field string) bool {
	fields, ok := s.byEntity[entityID]
	if !ok {
		return false
	}
	if _, ok := fields[field]; !ok {
		return false
	}
	delete(fields, field)
	if len(fields) == 0 {
		delete(s.byEntity, entityID)
	}
	return true
}

// supersede drops conflicts on every field a newer local edit touches.
func (s *conflictSet) supersede(entityID string, patch card.Patch) int {
	n := 0
	for field := range patch {
		if s.remove(entityID, field) {
			n++
		}
	}
	return n
}

// forEntity returns the card's conflicts ordered by field.
func (s *conflictSet) forEntity(entityID string) []card.ConflictInfo {
	fields := s.byEntity[entityID]
	out := make([]card.ConflictInfo, 0, len(fields))
	for _, c := range fields {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b card.ConflictInfo) int { return cmp.Compare(a.Field, b.Field) })
	return out
}

// list returns every conflict ordered by card, then field.
func (s *conflictSet) list() []card.ConflictInfo {
	var out []card.ConflictInfo
	for _, fields := range s.byEntity {
		for _, c := range fields {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b card.ConflictInfo) int {
		if n := cmp.Compare(a.EntityID, b.EntityID); n != 0 {
			return n
		}
		return cmp.Compare(a.Field, b.Field)
	})
	return out
}

func (s *conflictSet) len() int {
	n := 0
	for _, fields := range s.byEntity {
		n += len(fields)
	}
	return n
}
