package cli

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/cardsync/internal/httpapi"
	"github.com/roach88/cardsync/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string // overrides server.addr
	Database string // overrides store.path
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authoritative card store over HTTP",
		Long: `Serve the card store backed by SQLite.

The server accepts batched save requests, checks each field for
concurrent edits, and records outcomes so resent requests are answered
from the record. Prometheus metrics are exposed on /metrics.

Examples:
  cardsync serve
  cardsync serve --addr :9090 --db ./trips.db
  cardsync serve --config cardsync.yaml --log-format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database path (default from config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}

	logger, closer := newLogger(opts.RootOptions, cfg.Log, cmd.ErrOrStderr())
	defer closer.Close()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open store", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := httpapi.NewServer(st,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(reg),
	)

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	logger.Info("serving card store", "db", cfg.Store.Path)
	err = srv.ListenAndServe(ctx, cfg.Server.Addr, func(addr net.Addr) {
		if opts.Verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s\n", addr)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}
