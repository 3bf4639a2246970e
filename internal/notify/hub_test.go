package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cardsync/internal/card"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return t0 }),
	)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	require.Eventually(t, func() bool { return hub.ClientCount() == want }, 5*time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_BroadcastsToAllClients(t *testing.T) {
	hub, url := newTestHub(t)
	a := dial(t, hub, url, 1)
	b := dial(t, hub, url, 2)

	hub.Publish(EventStatus, card.Status{State: card.StateSaving})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, EventStatus, msg.Type)
		assert.True(t, msg.Timestamp.Equal(t0))
		assert.JSONEq(t, `{"state":"saving"}`, string(msg.Data))
	}
}

func TestHandlers_PublishEngineEvents(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, hub, url, 1)
	h := Handlers(hub)

	h.OnConflict([]card.ConflictInfo{{EntityID: "B", Field: card.FieldTimeSlot, YourValue: "morning", TheirValue: "evening", TheirTimestamp: t0}})
	h.OnError("REJECTED: bad day (card=A)")
	h.OnSuccess()
	h.OnRefresh("B")

	msg := readMessage(t, conn)
	assert.Equal(t, EventConflict, msg.Type)
	var conflicts []card.ConflictInfo
	require.NoError(t, json.Unmarshal(msg.Data, &conflicts))
	require.Len(t, conflicts, 1)
	assert.Equal(t, "evening", conflicts[0].TheirValue)

	msg = readMessage(t, conn)
	assert.Equal(t, EventError, msg.Type)
	assert.JSONEq(t, `{"message":"REJECTED: bad day (card=A)"}`, string(msg.Data))

	msg = readMessage(t, conn)
	assert.Equal(t, EventSuccess, msg.Type)
	assert.Empty(t, msg.Data)

	msg = readMessage(t, conn)
	assert.Equal(t, EventRefresh, msg.Type)
	assert.JSONEq(t, `{"entity_id":"B"}`, string(msg.Data))
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBuffer(1),
	)
	defer hub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(EventSuccess, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked")
	}
}
