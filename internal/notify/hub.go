// Package notify streams sync engine events to UI clients over websockets.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/engine"
)

// EventType names an engine lifecycle event.
type EventType string

const (
	EventStatus   EventType = "status"
	EventConflict EventType = "conflict"
	EventError    EventType = "error"
	EventSuccess  EventType = "success"
	EventRefresh  EventType = "refresh"
)

// Message is one event as sent to clients.
type Message struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// RefreshData is the payload of a refresh event.
type RefreshData struct {
	EntityID string `json:"entity_id"`
}

// Hub fans engine events out to every connected websocket client.
//
// Publish never blocks: when the broadcast buffer is full the event is
// dropped and logged, so engine handlers can call it directly.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithClock sets the timestamp source. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// WithBuffer sets how many events may wait for delivery. Default: 100.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		h.broadcast = make(chan Message, n)
	}
}

// NewHub creates a hub and starts its broadcast loop. Call Close to stop it.
func NewHub(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:    slog.Default(),
		now:       time.Now,
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Publish queues an event for every client.
func (h *Hub) Publish(typ EventType, data any) {
	msg := Message{Type: typ, Timestamp: h.now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("failed to encode event", "type", typ, "error", err)
			return
		}
		msg.Data = raw
	}

	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("event buffer full, dropping event", "type", typ)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Info("event client connected", "clients", n)

	h.readLoop(conn)
}

// readLoop holds the connection open until the client goes away. Client
// messages are ignored.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	n := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Info("event client disconnected", "clients", n)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("failed to marshal event", "error", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.logger.Warn("failed to send event", "error", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// Handlers adapts the hub to engine callbacks.
func Handlers(h *Hub) engine.Handlers {
	return engine.Handlers{
		OnConflict: func(cs []card.ConflictInfo) { h.Publish(EventConflict, cs) },
		OnError:    func(msg string) { h.Publish(EventError, ErrorData{Message: msg}) },
		OnSuccess:  func() { h.Publish(EventSuccess, nil) },
		OnRefresh:  func(id string) { h.Publish(EventRefresh, RefreshData{EntityID: id}) },
		OnStatus:   func(s card.Status) { h.Publish(EventStatus, s) },
	}
}
