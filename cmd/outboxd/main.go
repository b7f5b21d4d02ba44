// Command outboxd serves the outbox API and replays queued actions in the background.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bissquit/trail-outbox/internal/app"
	"github.com/bissquit/trail-outbox/internal/config"
	"github.com/bissquit/trail-outbox/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "outboxd",
		Short:        "Serve the outbox API and replay queued actions",
		Version:      version.String(),
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv(config.EnvPrefix + "CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (env OUTBOX_CONFIG)")

	return cmd
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	slog.Info("outboxd starting", "version", version.Version, "commit", version.GitCommit)

	runErr := application.Run(ctx)
	if err := application.Close(); err != nil {
		slog.Error("failed to close app", "error", err)
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("outboxd stopped")
	return nil
}
