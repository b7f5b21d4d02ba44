package cli

import (
	"errors"
	"fmt"

	"github.com/bissquit/trail-outbox/internal/app"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/spf13/cobra"
)

func SyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay pending actions now",
		Long: `Replay pending actions against the portal API. When connectivity
probing is enabled the portal is probed once first and the pass is skipped
while it is unreachable.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")
	if err := checkOutput(output); err != nil {
		return err
	}

	return withRuntime(cmd, func(rt *app.Runtime) error {
		if rt.Monitor != nil {
			rt.Monitor.Probe(cmd.Context())
		}

		report, err := rt.Outbox.Sync(cmd.Context())
		if errors.Is(err, outbox.ErrOffline) {
			return errors.New("portal api is unreachable, nothing was replayed")
		}
		if err != nil {
			return err
		}

		if output == "json" {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"Processed %d: %d succeeded, %d retried, %d dropped, %d skipped, %d deferred\n",
			report.Processed, report.Succeeded, report.Retried, report.Dropped, report.Skipped, report.Deferred,
		)
		return nil
	})
}
