package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cardsync/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and print the effective values",
		Long: `Load configuration from defaults, the --config file and CARDSYNC_*
environment variables, validate it, and print the result.

Examples:
  cardsync config validate --config cardsync.yaml
  CARDSYNC_WINDOWS_MEDIUM=3s cardsync config validate --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

			cfg, err := config.Load(opts.Config)
			if err != nil {
				var details any
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					details = verr.Details
				}
				_ = out.Error("INVALID_CONFIG", err.Error(), details)
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			return out.Success(cfg, strings.TrimRight(string(data), "\n"))
		},
	}
}
