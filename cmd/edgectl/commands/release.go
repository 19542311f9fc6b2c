package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/edgekit/edgekit-core/pkg/release"
)

// releaseConfig is the environment-supplied configuration of the release
// subcommands.
type releaseConfig struct {
	BaseURL string `env:"RELEASES_BASE_URL" required:"true"`
	Token   string `env:"RELEASES_TOKEN" required:"true"`
}

// NewReleaseCmd creates the release command with create and finalize
// subcommands.
func NewReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Manage release tags",
		Long:  "Create a release when a deploy starts and finalize it when the deploy lands, against the configured releases API.",
	}
	cmd.AddCommand(newReleaseCreateCmd())
	cmd.AddCommand(newReleaseFinalizeCmd())
	return cmd
}

func newReleaseCreateCmd() *cobra.Command {
	var version string
	var projects []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new release",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := releaseClient()
			if err != nil {
				return err
			}
			rel, err := client.Create(cmd.Context(), version, projects)
			if err != nil {
				return err
			}
			slog.Info("release created", "version", rel.Version, "projects", rel.Projects)
			fmt.Fprintf(cmd.OutOrStdout(), "Created release %s\n", rel.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "release version (required)")
	cmd.Flags().StringSliceVar(&projects, "project", nil, "project the release belongs to (repeatable, required)")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newReleaseFinalizeCmd() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Mark a release as live",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := releaseClient()
			if err != nil {
				return err
			}
			rel, err := client.Finalize(cmd.Context(), version)
			if err != nil {
				return err
			}
			slog.Info("release finalized", "version", rel.Version, "released_at", rel.DateReleased)
			fmt.Fprintf(cmd.OutOrStdout(), "Finalized release %s\n", rel.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "release version (required)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func releaseClient() (*release.Client, error) {
	var cfg releaseConfig
	if err := loadEnv(&cfg); err != nil {
		return nil, err
	}
	return release.NewClient(release.Config{
		BaseURL: cfg.BaseURL,
		Token:   release.Secret(cfg.Token),
	})
}
