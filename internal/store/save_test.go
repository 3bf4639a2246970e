package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardsync/internal/card"
)

func seedCard(t *testing.T, s *Store, id string, fields map[string]any) card.Card {
	t.Helper()
	c, err := s.PutCard(context.Background(), card.Card{ID: id, TripID: "trip", Fields: fields, UpdatedBy: "seed"})
	require.NoError(t, err)
	return c
}

func saveOne(t *testing.T, s *Store, actor string, item card.SaveItem) card.Outcome {
	t.Helper()
	resp, err := s.SaveCards(context.Background(), actor, card.SaveRequest{RequestID: "r", Items: []card.SaveItem{item}})
	require.NoError(t, err)
	require.Len(t, resp.Outcomes, 1)
	return resp.Outcomes[0]
}

func TestSaveCards_Applied(t *testing.T) {
	s, clk := createTestStore(t)
	base := seedCard(t, s, "A", map[string]any{card.FieldDay: 1})
	clk.Advance(time.Second)

	resp, err := s.SaveCards(context.Background(), "alice", card.SaveRequest{
		RequestID: "req-1",
		Items: []card.SaveItem{{
			EntityID: "A",
			Key:      "k1",
			Base:     base.Base(),
			Patch:    card.Patch{card.FieldDay: 2, card.FieldOrder: 3},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, []card.Outcome{{
		EntityID:  "A",
		Key:       "k1",
		Kind:      card.OutcomeApplied,
		Version:   2,
		UpdatedAt: t0.Add(time.Second),
	}}, resp.Outcomes)

	c, err := s.GetCard(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{card.FieldDay: int64(2), card.FieldOrder: int64(3)}, c.Fields)
	assert.Equal(t, "alice", c.UpdatedBy)
}

func TestSaveCards_FieldConflict(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()
	base := seedCard(t, s, "B", map[string]any{card.FieldTimeSlot: "afternoon", card.FieldFavorite: false})

	clk.Advance(time.Minute)
	_, err := s.UpdateFields(ctx, "bob", "B", card.Patch{card.FieldTimeSlot: "evening"})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	out := saveOne(t, s, "alice", card.SaveItem{
		EntityID: "B",
		Key:      "k",
		Base:     base.Base(),
		Patch:    card.Patch{card.FieldTimeSlot: "morning", card.FieldFavorite: true},
	})

	assert.Equal(t, card.OutcomeConflict, out.Kind)
	assert.Equal(t, int64(3), out.Version, "the uncontended field was written")
	assert.Equal(t, map[string]card.RemoteField{
		card.FieldTimeSlot: {Value: "evening", Version: 2, UpdatedAt: t0.Add(time.Minute), UpdatedBy: "bob"},
	}, out.Remote)

	c, err := s.GetCard(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "evening", c.Fields[card.FieldTimeSlot])
	assert.Equal(t, true, c.Fields[card.FieldFavorite])
}

func TestSaveCards_AllFieldsContendedWritesNothing(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	base := seedCard(t, s, "B", map[string]any{card.FieldDay: 1})
	_, err := s.UpdateFields(ctx, "bob", "B", card.Patch{card.FieldDay: 4})
	require.NoError(t, err)

	out := saveOne(t, s, "alice", card.SaveItem{EntityID: "B", Base: base.Base(), Patch: card.Patch{card.FieldDay: 2}})

	assert.Equal(t, card.OutcomeConflict, out.Kind)
	assert.Equal(t, int64(2), out.Version)
	c, err := s.GetCard(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Fields[card.FieldDay])
}

func TestSaveCards_EqualValueIsNotContended(t *testing.T) {
	s, _ := createTestStore(t)
	base := seedCard(t, s, "B", map[string]any{card.FieldDay: 1})
	_, err := s.UpdateFields(context.Background(), "bob", "B", card.Patch{card.FieldDay: 4})
	require.NoError(t, err)

	out := saveOne(t, s, "alice", card.SaveItem{EntityID: "B", Base: base.Base(), Patch: card.Patch{card.FieldDay: 4.0}})
	assert.Equal(t, card.OutcomeApplied, out.Kind)
}

func TestSaveCards_SeenVersionIsNotContended(t *testing.T) {
	s, _ := createTestStore(t)
	base := seedCard(t, s, "A", map[string]any{card.FieldDay: 1})

	first := saveOne(t, s, "alice", card.SaveItem{EntityID: "A", Key: "k1", Base: base.Base(), Patch: card.Patch{card.FieldDay: 2}})
	require.Equal(t, card.OutcomeApplied, first.Kind)

	// An edit made against the original base while the first was in flight.
	out := saveOne(t, s, "alice", card.SaveItem{
		EntityID: "A",
		Key:      "k2",
		Base:     base.Base(),
		Seen:     map[string]int64{card.FieldDay: first.Version},
		Patch:    card.Patch{card.FieldDay: 3},
	})
	assert.Equal(t, card.OutcomeApplied, out.Kind)
	assert.Equal(t, int64(3), out.Version)
}

func TestSaveCards_TimestampOnlyBase(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()
	seedCard(t, s, "B", map[string]any{card.FieldDay: 1})
	clk.Advance(time.Minute)
	_, err := s.UpdateFields(ctx, "bob", "B", card.Patch{card.FieldDay: 5})
	require.NoError(t, err)

	tie := saveOne(t, s, "alice", card.SaveItem{
		EntityID: "B",
		Base:     card.Base{UpdatedAt: t0.Add(time.Minute)},
		Patch:    card.Patch{card.FieldDay: 2},
	})
	assert.Equal(t, card.OutcomeConflict, tie.Kind, "an equal timestamp is a conflict")

	later := saveOne(t, s, "alice", card.SaveItem{
		EntityID: "B",
		Base:     card.Base{UpdatedAt: t0.Add(2 * time.Minute)},
		Patch:    card.Patch{card.FieldDay: 2},
	})
	assert.Equal(t, card.OutcomeApplied, later.Kind)
}

func TestSaveCards_ResentKeyReturnsRecordedOutcome(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()
	base := seedCard(t, s, "B", map[string]any{card.FieldDay: 1, card.FieldOrder: 1})
	_, err := s.UpdateFields(ctx, "bob", "B", card.Patch{card.FieldDay: 9})
	require.NoError(t, err)

	item := card.SaveItem{
		EntityID: "B",
		Key:      "same-key",
		Base:     base.Base(),
		Patch:    card.Patch{card.FieldDay: 2, card.FieldOrder: 5},
	}
	first := saveOne(t, s, "alice", item)
	clk.Advance(time.Hour)
	second := saveOne(t, s, "alice", item)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(9), second.Remote[card.FieldDay].Value)

	c, err := s.GetCard(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Version, "the resend did not write again")
}

func TestSaveCards_Rejections(t *testing.T) {
	s, _ := createTestStore(t)
	seedCard(t, s, "A", map[string]any{card.FieldDay: 1})

	resp, err := s.SaveCards(context.Background(), "alice", card.SaveRequest{Items: []card.SaveItem{
		{EntityID: "A", Patch: card.Patch{card.FieldDay: 0}},
		{EntityID: "missing", Patch: card.Patch{card.FieldDay: 1}},
		{EntityID: "A", Patch: card.Patch{card.FieldOrder: 2}},
	}})
	require.NoError(t, err)
	require.Len(t, resp.Outcomes, 3)

	assert.Equal(t, card.OutcomeRejected, resp.Outcomes[0].Kind)
	assert.Contains(t, resp.Outcomes[0].Reason, card.FieldDay)
	assert.Equal(t, card.Outcome{EntityID: "missing", Kind: card.OutcomeRejected, Reason: "unknown card"}, resp.Outcomes[1])
	assert.Equal(t, card.OutcomeApplied, resp.Outcomes[2].Kind, "outcomes are independent")
}

func TestAsSaver(t *testing.T) {
	s, _ := createTestStore(t)
	base := seedCard(t, s, "A", map[string]any{card.FieldDay: 1})

	resp, err := s.AsSaver("tab-1").SaveCards(context.Background(), card.SaveRequest{
		Items: []card.SaveItem{{EntityID: "A", Base: base.Base(), Patch: card.Patch{card.FieldDay: 2}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Outcomes, 1)

	c, err := s.GetCard(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "tab-1", c.UpdatedBy)
}
