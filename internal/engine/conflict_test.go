package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardsync/internal/card"
)

func TestDetect(t *testing.T) {
	rec := &card.ChangeRecord{
		EntityID: "B",
		Patch: card.Patch{
			card.FieldDay:      2,
			card.FieldTimeSlot: "morning",
			card.FieldFavorite: true,
			card.FieldOrder:    4,
		},
		Base: card.Base{Version: 2},
		Seen: map[string]int64{card.FieldOrder: 6},
	}
	out := card.Outcome{
		EntityID: "B",
		Kind:     card.OutcomeConflict,
		Version:  7,
		Remote: map[string]card.RemoteField{
			card.FieldDay:      {Value: 3, Version: 5, UpdatedAt: t2, UpdatedBy: "bob"},
			card.FieldTimeSlot: {Value: "morning", Version: 7, UpdatedAt: t2},
			card.FieldOrder:    {Value: 1, Version: 6, UpdatedAt: t1},
		},
	}

	d := detect(rec, out)

	require.Len(t, d.conflicts, 1)
	assert.Equal(t, card.ConflictInfo{
		EntityID:       "B",
		Field:          card.FieldDay,
		YourValue:      2,
		TheirValue:     3,
		TheirTimestamp: t2,
		TheirUser:      "bob",
	}, d.conflicts[0])
	assert.Equal(t, card.Patch{card.FieldOrder: 4}, d.resend,
		"a remote change already observed is not a conflict")
}

func TestDetect_NestedValuesCompareCanonically(t *testing.T) {
	rec := &card.ChangeRecord{
		EntityID: "A",
		Patch:    card.Patch{"details": map[string]any{"b": 1, "a": []any{1.0, "x"}}},
		Base:     card.Base{Version: 1},
	}
	out := card.Outcome{
		EntityID: "A",
		Remote: map[string]card.RemoteField{
			"details": {Value: map[string]any{"a": []any{1, "x"}, "b": 1.0}, Version: 2},
		},
	}

	d := detect(rec, out)
	assert.Empty(t, d.conflicts)
	assert.Empty(t, d.resend)
}

func TestConflictSet(t *testing.T) {
	s := newConflictSet()
	s.add(card.ConflictInfo{EntityID: "B", Field: card.FieldTimeSlot, TheirValue: "x"})
	s.add(card.ConflictInfo{EntityID: "A", Field: card.FieldOrder})
	s.add(card.ConflictInfo{EntityID: "B", Field: card.FieldDay})
	s.add(card.ConflictInfo{EntityID: "B", Field: card.FieldTimeSlot, TheirValue: "y"})

	assert.Equal(t, 3, s.len())
	list := s.list()
	require.Len(t, list, 3)
	assert.Equal(t, "A", list[0].EntityID)
	assert.Equal(t, card.FieldDay, list[1].Field)
	assert.Equal(t, "y", list[2].TheirValue, "a later conflict on the same field replaces the earlier one")

	assert.Len(t, s.forEntity("B"), 2)
	assert.Equal(t, 1, s.supersede("B", card.Patch{card.FieldDay: 9, card.FieldFavorite: true}))
	assert.True(t, s.remove("B", card.FieldTimeSlot))
	assert.False(t, s.remove("B", card.FieldTimeSlot))
	assert.Empty(t, s.forEntity("B"))
	assert.Equal(t, 1, s.len())
}
