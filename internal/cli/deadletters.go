package cli

import (
	"fmt"

	"github.com/bissquit/trail-outbox/internal/app"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/spf13/cobra"
)

func DeadLettersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Show or purge actions dropped after exhausting retries",
		Long: `Show actions dropped after exhausting their retries, newest first.

Examples:
  outboxctl dead-letters
  outboxctl dead-letters --limit 5 -o json
  outboxctl dead-letters --purge`,
		Args: cobra.NoArgs,
		RunE: runDeadLetters,
	}

	cmd.Flags().Int("limit", 25, "Number of entries to display (0 for all)")
	cmd.Flags().Bool("purge", false, "Delete every dead letter")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runDeadLetters(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	purge, _ := cmd.Flags().GetBool("purge")
	output, _ := cmd.Flags().GetString("output")
	if err := checkOutput(output); err != nil {
		return err
	}

	return withRuntime(cmd, func(rt *app.Runtime) error {
		if purge {
			n, err := rt.Outbox.PurgeDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d dead letters.\n", n)
			return nil
		}

		letters, err := rt.Outbox.DeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}

		views := make([]outbox.DeadLetterView, 0, len(letters))
		for i := range letters {
			dl := letters[i]
			views = append(views, outbox.DeadLetterView{
				ID:        dl.ID,
				Action:    outbox.NewActionView(&dl.Action),
				Reason:    dl.Reason,
				LastError: dl.LastError,
				FailedAt:  dl.FailedAt.UTC(),
			})
		}

		if output == "json" {
			return writeJSON(cmd.OutOrStdout(), views)
		}
		if len(views) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dead letters.")
			return nil
		}
		printDeadLetters(cmd.OutOrStdout(), views)
		return nil
	})
}
