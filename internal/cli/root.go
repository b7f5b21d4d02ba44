// Package cli implements outboxctl, the operator CLI working directly on the
// local action store.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/bissquit/trail-outbox/internal/app"
	"github.com/bissquit/trail-outbox/internal/config"
	"github.com/bissquit/trail-outbox/internal/version"
	"github.com/spf13/cobra"
)

type contextKey struct{}

// NewRootCommand returns the outboxctl command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "outboxctl",
		Short: "Inspect and drive the offline action outbox",
		Long: `outboxctl works directly on the local outbox store. It can enqueue
actions, list what is pending, run a sync pass and manage dead letters.

Quick start:
  outboxctl token set                      # Store the portal token
  outboxctl enqueue feedback-submit --data '{"category":"bug","message":"hi"}'
  outboxctl list                           # Show pending actions
  outboxctl sync                           # Replay them now`,
		Version:      version.String(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv(config.EnvPrefix + "CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			app.InitLogger(cfg.Log)
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (env OUTBOX_CONFIG)")

	cmd.AddCommand(EnqueueCommand())
	cmd.AddCommand(ListCommand())
	cmd.AddCommand(CountCommand())
	cmd.AddCommand(SyncCommand())
	cmd.AddCommand(ClearCommand())
	cmd.AddCommand(RemoveCommand())
	cmd.AddCommand(DeadLettersCommand())
	cmd.AddCommand(TokenCommand())

	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(contextKey{}).(*config.Config)
	if !ok {
		return nil, fmt.Errorf("config not loaded")
	}
	return cfg, nil
}

// withRuntime builds the outbox for the duration of fn.
func withRuntime(cmd *cobra.Command, fn func(rt *app.Runtime) error) (err error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}

	rt, err := app.BuildOutbox(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return fn(rt)
}
