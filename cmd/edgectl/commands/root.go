// Package commands implements the edgectl subcommands.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgekit/edgekit-core/pkg/config"
)

// envPrefix is the prefix of every environment variable edgectl reads,
// e.g. EDGECTL_DATABASE_DSN.
const envPrefix = "EDGECTL"

// NewRootCmd creates the edgectl root command.
func NewRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "edgectl",
		Short:         "Operations CLI for Access-gated services",
		Long:          "edgectl runs schema migrations, lock-serialized commands, and release tagging for services deployed behind the Access gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewReleaseCmd())
	return cmd
}

// loadEnv populates cfg from EDGECTL_-prefixed environment variables.
func loadEnv(cfg any) error {
	return config.New().WithEnvPrefix(envPrefix).Load(cfg)
}
