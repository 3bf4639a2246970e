package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/cardsync/internal/canon"
	"github.com/roach88/cardsync/internal/card"
)

// SaveCards applies a batch of patches as actor, in one transaction.
//
// Each item is handled independently:
//   - an item whose key was seen before gets the recorded outcome, unwritten
//   - an invalid patch or unknown card is rejected
//   - a field is contended when it changed remotely after the item's base
//     and holds a different value; contended fields are left alone and
//     reported with their remote state
//   - every other field is written, bumping the card version once
//
// The outcome is conflict if any field was contended, applied otherwise.
// An error means nothing was written.
func (s *Store) SaveCards(ctx context.Context, actor string, req card.SaveRequest) (*card.SaveResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("save cards: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	resp := &card.SaveResponse{
		RequestID: req.RequestID,
		Outcomes:  make([]card.Outcome, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		out, err := s.saveItem(ctx, tx, actor, item, now)
		if err != nil {
			return nil, fmt.Errorf("save cards: card %s: %w", item.EntityID, err)
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("save cards: commit: %w", err)
	}
	return resp, nil
}

func (s *Store) saveItem(ctx context.Context, tx *sql.Tx, actor string, item card.SaveItem, now time.Time) (card.Outcome, error) {
	if item.Key != "" {
		out, ok, err := recordedOutcome(ctx, tx, item.Key)
		if err != nil || ok {
			return out, err
		}
	}

	out, err := applyItem(ctx, tx, actor, item, now)
	if err != nil {
		return card.Outcome{}, err
	}
	out.Key = item.Key

	if item.Key != "" {
		if err := recordOutcome(ctx, tx, out, now); err != nil {
			return card.Outcome{}, err
		}
	}
	return out, nil
}

func applyItem(ctx context.Context, tx *sql.Tx, actor string, item card.SaveItem, now time.Time) (card.Outcome, error) {
	rejected := func(reason string) card.Outcome {
		return card.Outcome{EntityID: item.EntityID, Kind: card.OutcomeRejected, Reason: reason}
	}

	if err := validatePatch(item.Patch); err != nil {
		return rejected(err.Error()), nil
	}
	c, err := readCardRow(ctx, tx, item.EntityID)
	if errors.Is(err, ErrNotFound) {
		return rejected("unknown card"), nil
	}
	if err != nil {
		return card.Outcome{}, err
	}
	remote, err := readFields(ctx, tx, item.EntityID)
	if err != nil {
		return card.Outcome{}, err
	}

	writes := card.Patch{}
	contended := map[string]card.RemoteField{}
	for _, field := range item.Patch.Fields() {
		v := item.Patch[field]
		if st, ok := remote[field]; ok &&
			card.RemoteChanged(item.Base, item.Seen, field, st) &&
			!canon.Equal(v, st.Value) {
			contended[field] = st
			continue
		}
		writes[field] = v
	}

	if len(writes) > 0 {
		if c, err = bumpCard(ctx, tx, c, writes, now, actor); err != nil {
			return card.Outcome{}, err
		}
	}

	out := card.Outcome{
		EntityID:  item.EntityID,
		Kind:      card.OutcomeApplied,
		Version:   c.Version,
		UpdatedAt: c.UpdatedAt,
	}
	if len(contended) > 0 {
		out.Kind = card.OutcomeConflict
		out.Remote = contended
	}
	return out, nil
}

func recordedOutcome(ctx context.Context, q querier, key string) (card.Outcome, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT outcome_json FROM applied_items WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return card.Outcome{}, false, nil
	}
	if err != nil {
		return card.Outcome{}, false, fmt.Errorf("query recorded outcome: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var out card.Outcome
	if err := dec.Decode(&out); err != nil {
		return card.Outcome{}, false, fmt.Errorf("decode recorded outcome: %w", err)
	}
	for field, st := range out.Remote {
		st.Value = normalize(st.Value)
		out.Remote[field] = st
	}
	return out, true, nil
}

func recordOutcome(ctx context.Context, q querier, out card.Outcome, now time.Time) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO applied_items (key, card_id, outcome_json, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, out.Key, out.EntityID, string(data), formatTime(now))
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// ActorSaver saves through the store as one actor. It satisfies the sync
// engine's Saver interface.
type ActorSaver struct {
	store *Store
	actor string
}

// AsSaver returns a saver that writes as actor.
func (s *Store) AsSaver(actor string) *ActorSaver {
	return &ActorSaver{store: s, actor: actor}
}

// SaveCards applies req as the saver's actor.
func (a *ActorSaver) SaveCards(ctx context.Context, req card.SaveRequest) (*card.SaveResponse, error) {
	return a.store.SaveCards(ctx, a.actor, req)
}
