package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/engine"
	"github.com/roach88/cardsync/internal/httpapi"
	"github.com/roach88/cardsync/internal/store"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// responses decodes one Response per output line.
func responses(t *testing.T, out string) []Response {
	t.Helper()
	var rs []Response
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var r Response
		require.NoError(t, dec.Decode(&r))
		rs = append(rs, r)
	}
	return rs
}

func finalState(t *testing.T, r Response) card.State {
	t.Helper()
	data, err := json.Marshal(r.Data)
	require.NoError(t, err)
	var s card.Status
	require.NoError(t, json.Unmarshal(data, &s))
	return s.State
}

func TestRunCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openStore(t)
	seeded, err := st.PutCard(ctx, card.Card{ID: "A", TripID: "lisbon", Fields: map[string]any{card.FieldDay: 1}})
	require.NoError(t, err)

	eng, err := engine.New(st.AsSaver("ana"), engine.WithLogger(discard()))
	require.NoError(t, err)
	go eng.Run(ctx)
	require.NoError(t, eng.Seed(seeded))

	input := strings.Join([]string{
		`{"op":"queue","card":"A","priority":"low","patch":{"day":2}}`,
		`not json`,
		`{"op":"teleport"}`,
		`{"op":"queue","card":"","patch":{"day":3}}`,
		`{"op":"status"}`,
	}, "\n")
	out := &bytes.Buffer{}
	require.NoError(t, runCommands(ctx, eng, newCardLoader(st), strings.NewReader(input), out, 5*time.Second))

	rs := responses(t, out.String())
	require.Len(t, rs, 5)
	assert.Equal(t, "BAD_COMMAND", rs[0].Error.Code)
	assert.Equal(t, "COMMAND_FAILED", rs[1].Error.Code)
	assert.Contains(t, rs[1].Error.Message, `unknown op "teleport"`)
	assert.Equal(t, "COMMAND_FAILED", rs[2].Error.Code)
	assert.Equal(t, card.StatePending, finalState(t, rs[3]))
	assert.Contains(t, []card.State{card.StateSaved, card.StateIdle}, finalState(t, rs[4]))

	got, err := st.GetCard(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.EqualValues(t, 2, got.Fields[card.FieldDay])
	assert.Equal(t, "ana", got.UpdatedBy)
}

func TestRunCommands_LoadsUnseededCard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := openStore(t)
	_, err := st.PutCard(ctx, card.Card{ID: "A", TripID: "lisbon", Fields: map[string]any{
		card.FieldDay:   1,
		card.FieldOrder: 5,
	}})
	require.NoError(t, err)

	eng, err := engine.New(st.AsSaver("ana"), engine.WithLogger(discard()))
	require.NoError(t, err)
	go eng.Run(ctx)

	input := strings.Join([]string{
		`{"op":"queue","card":"A","priority":"critical","patch":{"day":2}}`,
		`{"op":"conflicts"}`,
	}, "\n")
	out := &bytes.Buffer{}
	require.NoError(t, runCommands(ctx, eng, newCardLoader(st), strings.NewReader(input), out, 5*time.Second))

	rs := responses(t, out.String())
	require.Len(t, rs, 2)
	assert.Empty(t, rs[0].Data, "fields the edit did not touch are not conflicts")
	assert.Contains(t, []card.State{card.StateSaved, card.StateIdle}, finalState(t, rs[1]))
	assert.Empty(t, eng.Conflicts())

	got, err := st.GetCard(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.EqualValues(t, 2, got.Fields[card.FieldDay])
	assert.EqualValues(t, 5, got.Fields[card.FieldOrder])
}

type failingSource struct{ err error }

func (s failingSource) GetCard(context.Context, string) (card.Card, error) {
	return card.Card{}, s.err
}

func TestCardLoader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(openStore(t).AsSaver("ana"), engine.WithLogger(discard()))
	require.NoError(t, err)
	go eng.Run(ctx)

	down := newCardLoader(failingSource{err: errors.New("connection refused")})
	err = down.ensure(ctx, eng, "A")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load card A")
	assert.False(t, down.known["A"], "a failed load is retried on the next edit")

	down.mark(card.Card{ID: "B"})
	assert.NoError(t, down.ensure(ctx, eng, "B"), "marked cards are not fetched")

	fresh := newCardLoader(failingSource{err: fmt.Errorf("get: %w", store.ErrNotFound)})
	require.NoError(t, fresh.ensure(ctx, eng, "N"))
	assert.True(t, fresh.known["N"])
}

func TestRunCommands_StoppedEngine(t *testing.T) {
	st := openStore(t)
	eng, err := engine.New(st.AsSaver("ana"), engine.WithLogger(discard()))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(context.Background()) }()
	eng.Stop()
	require.NoError(t, <-runErr)

	err = runCommands(context.Background(), eng, newCardLoader(st), strings.NewReader(`{"op":"status"}`), io.Discard, time.Second)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestAgentCommand_OverHTTP(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		_, err := st.PutCard(ctx, card.Card{ID: id, TripID: "lisbon", Fields: map[string]any{card.FieldDay: 1}})
		require.NoError(t, err)
	}
	srv := httptest.NewServer(httpapi.NewServer(st, httpapi.WithLogger(discard())))
	defer srv.Close()

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	logs := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(logs)
	cmd.SetIn(strings.NewReader(strings.Join([]string{
		`{"op":"queue","card":"A","priority":"critical","patch":{"day":3}}`,
		`{"op":"queue","card":"B","priority":"medium","patch":{"order":4}}`,
	}, "\n")))
	cmd.SetArgs([]string{"agent", "--server", srv.URL, "--actor", "ana", "--trip", "lisbon", "--log-format", "json"})
	require.NoError(t, cmd.Execute(), logs.String())

	rs := responses(t, out.String())
	require.Len(t, rs, 1)
	assert.Equal(t, "ok", rs[0].Status)

	for id, field := range map[string]string{"A": card.FieldDay, "B": card.FieldOrder} {
		got, err := st.GetCard(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version, id)
		assert.Equal(t, "ana", got.UpdatedBy, id)
		assert.Contains(t, got.Fields, field)
	}

	sc := bufio.NewScanner(logs)
	var sawTrip bool
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), sc.Text())
		if rec["msg"] == "loaded trip" {
			sawTrip = true
			assert.EqualValues(t, 2, rec["cards"])
		}
	}
	assert.True(t, sawTrip)
}

func TestAgentCommand_ServerDown(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	_, err := execute(t, "agent", "--server", url, "--trip", "lisbon")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load trip")
}
