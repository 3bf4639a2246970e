// Package httpapi serves the card store over HTTP and provides a client
// that the sync engine can save through.
//
// Routes:
//
//	POST /v1/cards/save          batch save (card.SaveRequest → card.SaveResponse)
//	POST /v1/cards               create or replace a card
//	GET  /v1/cards/{id}          read a card
//	PUT  /v1/cards/{id}          unconditional field write (card.Patch)
//	GET  /v1/trips/{trip}/cards  list a trip's cards
//	GET  /v1/events              websocket event stream, when configured
//	GET  /metrics                Prometheus exposition, when configured
//	GET  /healthz                liveness
//
// The acting editor is taken from the X-Actor header.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/store"
)

// ActorHeader carries the editor identity on every request.
const ActorHeader = "X-Actor"

// DefaultActor is used when a request has no X-Actor header.
const DefaultActor = "anonymous"

const maxBodyBytes = 4 << 20

// errorBody is the JSON body of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

// Server exposes a store over HTTP.
type Server struct {
	store   *store.Store
	logger  *slog.Logger
	events  http.Handler
	metrics prometheus.Gatherer
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithEvents mounts an event stream handler at /v1/events.
func WithEvents(h http.Handler) Option {
	return func(s *Server) {
		s.events = h
	}
}

// WithMetrics mounts a Prometheus endpoint for g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = g
	}
}

// NewServer creates a server over st.
func NewServer(st *store.Store, opts ...Option) *Server {
	s := &Server{
		store:  st,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /v1/cards/save", s.handleSave)
	s.mux.HandleFunc("POST /v1/cards", s.handlePutCard)
	s.mux.HandleFunc("GET /v1/cards/{id}", s.handleGetCard)
	s.mux.HandleFunc("PUT /v1/cards/{id}", s.handleUpdateFields)
	s.mux.HandleFunc("GET /v1/trips/{trip}/cards", s.handleListCards)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.events != nil {
		s.mux.Handle("GET /v1/events", s.events)
	}
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. ready, if non-nil, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	if ready != nil {
		ready(ln.Addr())
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req card.SaveRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.store.SaveCards(r.Context(), actor(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Debug("save handled",
		"request_id", req.RequestID,
		"items", len(req.Items),
		"actor", actor(r),
	)
	s.write(w, http.StatusOK, resp)
}

func (s *Server) handlePutCard(w http.ResponseWriter, r *http.Request) {
	var c card.Card
	if !s.decode(w, r, &c) {
		return
	}
	if c.UpdatedBy == "" {
		c.UpdatedBy = actor(r)
	}
	out, err := s.store.PutCard(r.Context(), c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, http.StatusOK, out)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCard(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, http.StatusOK, c)
}

func (s *Server) handleUpdateFields(w http.ResponseWriter, r *http.Request) {
	var patch card.Patch
	if !s.decode(w, r, &patch) {
		return
	}
	c, err := s.store.UpdateFields(r.Context(), actor(r), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, http.StatusOK, c)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.store.ListCards(r.Context(), r.PathValue("trip"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, http.StatusOK, cards)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.write(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return DefaultActor
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.write(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

// fail maps store errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		s.write(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		s.write(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		s.write(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func (s *Server) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
