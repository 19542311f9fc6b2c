package commands

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
	"github.com/edgekit/edgekit-core/pkg/lock"
)

// runConfig is the environment-supplied configuration of the run
// subcommand.
type runConfig struct {
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
}

// NewRunCmd creates the run command, which executes a shell command
// while holding a distributed lock. Deploy and migration scripts run
// through it so only one replica executes them at a time.
func NewRunCmd() *cobra.Command {
	var (
		lockKey  string
		redisURL string
		ttl      time.Duration
		maxWait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run --lock-key KEY -- command [args...]",
		Short: "Run a command while holding a distributed lock",
		Long:  "Acquire a Redis-backed lock, run the command, and release the lock afterwards. Concurrent invocations with the same key wait for their turn or give up after --max-wait.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lockKey == "" {
				return ekerr.New(ekerr.CodeValidationRequired, "edgectl: --lock-key is required")
			}

			var cfg runConfig
			if err := loadEnv(&cfg); err != nil {
				return err
			}
			if redisURL == "" {
				redisURL = cfg.RedisURL
			}

			locker, err := lock.Connect(cmd.Context(), redisURL, lock.Options{
				TTL:       ttl,
				KeyPrefix: "edgectl:run:",
			})
			if err != nil {
				return err
			}

			slog.Debug("acquiring lock", "key", lockKey, "max_wait", maxWait)
			return locker.Do(cmd.Context(), lockKey, maxWait, func(ctx context.Context) error {
				slog.Info("lock held, running command", "key", lockKey, "command", args[0])

				child := exec.CommandContext(ctx, args[0], args[1:]...)
				child.Stdin = os.Stdin
				child.Stdout = cmd.OutOrStdout()
				child.Stderr = cmd.ErrOrStderr()
				if err := child.Run(); err != nil {
					return ekerr.Wrapf(err, ekerr.CodeInternal,
						"edgectl: command %s failed", args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&lockKey, "lock-key", "", "name of the lock to hold (required)")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis connection URL (defaults to EDGECTL_REDIS_URL)")
	cmd.Flags().DurationVar(&ttl, "ttl", 5*time.Minute, "lock lifetime; must exceed the command's runtime")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 30*time.Second, "how long to wait for a contended lock (0 waits forever)")
	return cmd
}
