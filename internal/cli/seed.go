package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/store"
)

// SeedFile is the YAML layout accepted by the seed command.
type SeedFile struct {
	Cards []card.Card `yaml:"cards"`
}

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	Database string
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed <cards.yaml>",
		Short: "Load cards into the store",
		Long: `Write cards from a YAML file into the card store, replacing existing
cards with the same id.

  cards:
    - id: A
      trip_id: lisbon
      fields: {day: 1, order: 0, time_slot: morning}

Examples:
  cardsync seed --db ./trips.db lisbon.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database path (default from config)")

	return cmd
}

func runSeed(opts *SeedOptions, path string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	dbPath := cfg.Store.Path
	if opts.Database != "" {
		dbPath = opts.Database
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read seed file", err)
	}
	var file SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse seed file", err)
	}
	for i, c := range file.Cards {
		if c.ID == "" {
			return NewExitError(ExitCommandError, fmt.Sprintf("cards[%d]: id is required", i))
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open store", err)
	}
	defer st.Close()

	ids := make([]string, 0, len(file.Cards))
	for _, c := range file.Cards {
		saved, err := st.PutCard(cmd.Context(), c)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to write card %s", c.ID), err)
		}
		ids = append(ids, saved.ID)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(map[string]any{"db": dbPath, "cards": ids},
		fmt.Sprintf("Seeded %d cards into %s", len(ids), dbPath))
}
