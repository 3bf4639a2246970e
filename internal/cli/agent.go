package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/config"
	"github.com/roach88/cardsync/internal/engine"
	"github.com/roach88/cardsync/internal/httpapi"
	"github.com/roach88/cardsync/internal/metrics"
	"github.com/roach88/cardsync/internal/notify"
	"github.com/roach88/cardsync/internal/store"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
	Server string // base URL of the card store
	Actor  string // user the agent saves as
	Trip   string // trip whose cards are loaded at startup
	Listen string // local address for events and metrics; empty disables
}

// Command is one line of agent input.
type Command struct {
	Op          string                     `json:"op"`
	Card        string                     `json:"card,omitempty"`
	Priority    card.Priority              `json:"priority,omitempty"`
	Patch       card.Patch                 `json:"patch,omitempty"`
	Resolutions map[string]card.Resolution `json:"resolutions,omitempty"`
}

// Agent input operations.
const (
	OpQueue     = "queue"
	OpForceSave = "force_save"
	OpResolve   = "resolve"
	OpStatus    = "status"
	OpConflicts = "conflicts"
)

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a sync engine against a card store",
		Long: `Run an optimistic sync engine that saves to a cardsync server.

Edits are read from stdin as JSON lines:
  {"op":"queue","card":"A","priority":"critical","patch":{"day":2}}
  {"op":"force_save"}
  {"op":"resolve","resolutions":{"B":{"choice":"mine"}}}
  {"op":"status"}
  {"op":"conflicts"}

At end of input pending edits are saved and the final status is printed.
Engine events are streamed on ws://<listen>/v1/events.

Examples:
  cardsync agent --server http://127.0.0.1:8080 --actor ana --trip lisbon
  cardsync agent --config cardsync.yaml --listen 127.0.0.1:8081 < edits.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "card store URL (default http://<server.addr>)")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "user to save as (default $USER)")
	cmd.Flags().StringVar(&opts.Trip, "trip", "", "load this trip's cards at startup")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "serve events and metrics on this address")

	return cmd
}

func runAgent(opts *AgentOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger, closer := newLogger(opts.RootOptions, cfg.Log, cmd.ErrOrStderr())
	defer closer.Close()

	server := opts.Server
	if server == "" {
		server = "http://" + cfg.Server.Addr
	}
	actor := opts.Actor
	if actor == "" {
		actor = os.Getenv("USER")
	}

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	client := httpapi.NewClient(server,
		httpapi.WithActor(actor),
		httpapi.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)

	reg := prometheus.NewRegistry()
	hub := notify.NewHub(notify.WithLogger(logger))
	defer hub.Close()

	var eng *engine.Engine
	refresh := engine.Handlers{
		OnRefresh: func(id string) {
			go refetch(ctx, client, eng, id, logger)
		},
	}
	eng, err = engine.New(client,
		engine.WithPolicy(cfg.Policy()),
		engine.WithLogger(logger),
		engine.WithObserver(metrics.New(reg, "cardsync")),
		engine.WithHandlers(engine.Combine(notify.Handlers(hub), refresh)),
	)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create engine", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	loader := newCardLoader(client)
	if opts.Trip != "" {
		cards, err := client.ListCards(ctx, opts.Trip)
		if err != nil {
			eng.Stop()
			return WrapExitError(ExitFailure, "failed to load trip", err)
		}
		if err := eng.Seed(cards...); err != nil {
			eng.Stop()
			return WrapExitError(ExitFailure, "failed to seed engine", err)
		}
		loader.mark(cards...)
		logger.Info("loaded trip", "trip", opts.Trip, "cards", len(cards))
	}

	if opts.Config != "" {
		go func() {
			err := config.Watch(ctx, opts.Config, logger, func(c *config.Config) {
				if err := eng.SetPolicy(c.Policy()); err != nil {
					logger.Warn("policy reload rejected", "error", err)
					return
				}
				logger.Info("policy reloaded", "path", opts.Config)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	if opts.Listen != "" {
		go func() {
			if err := serveLocal(ctx, opts.Listen, hub, reg, logger); err != nil {
				logger.Error("local server failed", "error", err)
			}
		}()
	}

	cmdErr := runCommands(ctx, eng, loader, cmd.InOrStdin(), cmd.OutOrStdout(), cfg.RequestTimeout)
	eng.Stop()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	return cmdErr
}

// refetch reloads a card whose local change was discarded.
func refetch(ctx context.Context, client *httpapi.Client, eng *engine.Engine, id string, logger *slog.Logger) {
	c, err := client.GetCard(ctx, id)
	if err != nil {
		logger.Warn("refresh failed", "card", id, "error", err)
		return
	}
	if err := eng.Seed(c); err != nil {
		logger.Debug("refresh dropped", "card", id, "error", err)
	}
}

// CardSource fetches the server copy of a card.
type CardSource interface {
	GetCard(ctx context.Context, id string) (card.Card, error)
}

// cardLoader seeds the engine with a card's server copy before its first
// edit, so the engine diffs against what the server holds rather than an
// empty card.
type cardLoader struct {
	src   CardSource
	known map[string]bool
}

func newCardLoader(src CardSource) *cardLoader {
	return &cardLoader{src: src, known: make(map[string]bool)}
}

// mark records cards that were seeded elsewhere.
func (l *cardLoader) mark(cards ...card.Card) {
	for _, c := range cards {
		l.known[c.ID] = true
	}
}

// ensure seeds id unless it is already known. A card the server has never
// seen needs no base.
func (l *cardLoader) ensure(ctx context.Context, eng *engine.Engine, id string) error {
	if id == "" || l.known[id] {
		return nil
	}
	c, err := l.src.GetCard(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		l.known[id] = true
		return nil
	case err != nil:
		return fmt.Errorf("load card %s: %w", id, err)
	}
	if err := eng.Seed(c); err != nil {
		return err
	}
	l.known[id] = true
	return nil
}

// runCommands applies JSON-line commands from r until EOF, then saves
// everything pending and writes the final status to w.
//
// Malformed lines are reported on w and skipped.
func runCommands(ctx context.Context, eng *engine.Engine, loader *cardLoader, r io.Reader, w io.Writer, settleTimeout time.Duration) error {
	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c Command
		if err := json.Unmarshal(line, &c); err != nil {
			_ = enc.Encode(Response{Status: "error", Error: &ResponseError{Code: "BAD_COMMAND", Message: err.Error()}})
			continue
		}
		if err := apply(ctx, eng, loader, c, enc); err != nil {
			if engine.IsEngineStopped(err) {
				return WrapExitError(ExitFailure, "engine stopped", err)
			}
			_ = enc.Encode(Response{Status: "error", Error: &ResponseError{Code: "COMMAND_FAILED", Message: err.Error()}})
		}
	}
	if err := scanner.Err(); err != nil {
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}

	if err := eng.ForceSave(); err != nil {
		return WrapExitError(ExitFailure, "final save failed", err)
	}
	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if err := eng.Settle(settleCtx); err != nil {
		return WrapExitError(ExitFailure, "final save did not finish", err)
	}
	return enc.Encode(Response{Status: "ok", Data: eng.Status()})
}

func apply(ctx context.Context, eng *engine.Engine, loader *cardLoader, c Command, enc *json.Encoder) error {
	switch c.Op {
	case OpQueue:
		if err := loader.ensure(ctx, eng, c.Card); err != nil {
			return err
		}
		p := c.Priority
		if p == 0 {
			p = card.PriorityMedium
		}
		return eng.QueueChange(c.Card, c.Patch, p)
	case OpForceSave:
		return eng.ForceSave()
	case OpResolve:
		return eng.ResolveConflicts(c.Resolutions)
	case OpStatus:
		if err := eng.Settle(ctx); err != nil {
			return err
		}
		return enc.Encode(Response{Status: "ok", Data: eng.Status()})
	case OpConflicts:
		if err := eng.Settle(ctx); err != nil {
			return err
		}
		return enc.Encode(Response{Status: "ok", Data: eng.Conflicts()})
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
}

// serveLocal exposes the event stream and metrics until ctx ends.
func serveLocal(ctx context.Context, addr string, hub *notify.Hub, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /v1/events", hub)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("agent listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
