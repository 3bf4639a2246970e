package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cardsync/internal/card"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PutCard creates or replaces a card, with every field written at the
// card's version. A zero Version is stored as 1 and a zero UpdatedAt as now.
// Fields not in c.Fields are removed.
func (s *Store) PutCard(ctx context.Context, c card.Card) (card.Card, error) {
	if c.ID == "" {
		return card.Card{}, &ValidationError{Reason: "card id is required"}
	}
	if c.Version <= 0 {
		c.Version = 1
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	c.UpdatedAt = c.UpdatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return card.Card{}, fmt.Errorf("put card: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cards (id, trip_id, version, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trip_id = excluded.trip_id,
			version = excluded.version,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, c.ID, c.TripID, c.Version, formatTime(c.UpdatedAt), c.UpdatedBy)
	if err != nil {
		return card.Card{}, fmt.Errorf("put card: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM card_fields WHERE card_id = ?`, c.ID); err != nil {
		return card.Card{}, fmt.Errorf("put card: clear fields: %w", err)
	}
	for field, v := range c.Fields {
		if err := writeField(ctx, tx, c.ID, field, v, c.Version, c.UpdatedAt, c.UpdatedBy); err != nil {
			return card.Card{}, fmt.Errorf("put card: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return card.Card{}, fmt.Errorf("put card: commit: %w", err)
	}
	return s.GetCard(ctx, c.ID)
}

// UpdateFields writes patch unconditionally as actor, bumping the card
// version. It models another editor's write that bypasses conflict checks.
func (s *Store) UpdateFields(ctx context.Context, actor, id string, patch card.Patch) (card.Card, error) {
	if err := validatePatch(patch); err != nil {
		return card.Card{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return card.Card{}, fmt.Errorf("update fields: begin tx: %w", err)
	}
	defer tx.Rollback()

	c, err := readCardRow(ctx, tx, id)
	if err != nil {
		return card.Card{}, fmt.Errorf("update fields: %w", err)
	}
	if _, err := bumpCard(ctx, tx, c, patch, s.now(), actor); err != nil {
		return card.Card{}, fmt.Errorf("update fields: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return card.Card{}, fmt.Errorf("update fields: commit: %w", err)
	}
	return s.GetCard(ctx, id)
}

// GetCard returns a card with its current field values.
// Returns ErrNotFound if the card does not exist.
func (s *Store) GetCard(ctx context.Context, id string) (card.Card, error) {
	c, err := readCardRow(ctx, s.db, id)
	if err != nil {
		return card.Card{}, err
	}
	states, err := readFields(ctx, s.db, id)
	if err != nil {
		return card.Card{}, err
	}
	c.Fields = make(map[string]any, len(states))
	for field, st := range states {
		c.Fields[field] = st.Value
	}
	return c, nil
}

// FieldStates returns the per-field version, timestamp and author of a card.
func (s *Store) FieldStates(ctx context.Context, id string) (map[string]card.RemoteField, error) {
	if _, err := readCardRow(ctx, s.db, id); err != nil {
		return nil, err
	}
	return readFields(ctx, s.db, id)
}

// ListCards returns the trip's cards ordered by id.
// Returns an empty slice (not nil) if the trip has no cards.
func (s *Store) ListCards(ctx context.Context, tripID string) ([]card.Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM cards
		WHERE trip_id = ?
		ORDER BY id COLLATE BINARY ASC
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan card id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	rows.Close()

	cards := make([]card.Card, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCard(ctx, id)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, nil
}

func readCardRow(ctx context.Context, q querier, id string) (card.Card, error) {
	var (
		c         card.Card
		updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, trip_id, version, updated_at, updated_by
		FROM cards
		WHERE id = ?
	`, id).Scan(&c.ID, &c.TripID, &c.Version, &updatedAt, &c.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return card.Card{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return card.Card{}, fmt.Errorf("query card: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return card.Card{}, err
	}
	return c, nil
}

func readFields(ctx context.Context, q querier, id string) (map[string]card.RemoteField, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT field, value_json, version, updated_at, updated_by
		FROM card_fields
		WHERE card_id = ?
		ORDER BY field COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query fields: %w", err)
	}
	defer rows.Close()

	out := make(map[string]card.RemoteField)
	for rows.Next() {
		var (
			field, valueJSON, updatedAt string
			st                          card.RemoteField
		)
		if err := rows.Scan(&field, &valueJSON, &st.Version, &updatedAt, &st.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		if st.Value, err = decodeValue(valueJSON); err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out[field] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return out, nil
}

// bumpCard writes fields at the card's next version and returns the new
// card state.
func bumpCard(ctx context.Context, q querier, c card.Card, fields card.Patch, now time.Time, actor string) (card.Card, error) {
	c.Version++
	c.UpdatedAt = now
	c.UpdatedBy = actor

	_, err := q.ExecContext(ctx, `
		UPDATE cards SET version = ?, updated_at = ?, updated_by = ?
		WHERE id = ?
	`, c.Version, formatTime(now), actor, c.ID)
	if err != nil {
		return card.Card{}, fmt.Errorf("bump card: %w", err)
	}
	for _, field := range fields.Fields() {
		if err := writeField(ctx, q, c.ID, field, fields[field], c.Version, now, actor); err != nil {
			return card.Card{}, err
		}
	}
	return c, nil
}

func writeField(ctx context.Context, q querier, id, field string, v any, version int64, at time.Time, actor string) error {
	valueJSON, err := encodeValue(v)
	if err != nil {
		return fmt.Errorf("field %s: %w", field, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO card_fields (card_id, field, value_json, version, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id, field) DO UPDATE SET
			value_json = excluded.value_json,
			version = excluded.version,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, id, field, valueJSON, version, formatTime(at), actor)
	if err != nil {
		return fmt.Errorf("write field %s: %w", field, err)
	}
	return nil
}
