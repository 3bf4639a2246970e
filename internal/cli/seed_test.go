package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/store"
)

const seedYAML = `
cards:
  - id: A
    trip_id: lisbon
    fields: {day: 1, order: 0, time_slot: morning}
  - id: B
    trip_id: lisbon
    fields: {day: 2, order: 1, favorite: true}
`

func TestSeedCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "cards.db")
	file := writeFile(t, dir, "lisbon.yaml", seedYAML)

	out, err := execute(t, "seed", "--db", db, file)
	require.NoError(t, err)
	assert.Contains(t, out, "Seeded 2 cards into "+db)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	cards, err := st.ListCards(context.Background(), "lisbon")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "A", cards[0].ID)
	assert.Equal(t, int64(1), cards[0].Version)
	assert.Equal(t, "morning", cards[0].Fields[card.FieldTimeSlot])
}

func TestSeedCommand_UnknownField(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "bad.yaml", "cards:\n  - id: A\n    colour: red\n")

	_, err := execute(t, "seed", "--db", filepath.Join(dir, "cards.db"), file)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSeedCommand_MissingID(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "bad.yaml", "cards:\n  - trip_id: lisbon\n")

	_, err := execute(t, "seed", "--db", filepath.Join(dir, "cards.db"), file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cards[0]: id is required")
}
