package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/bissquit/trail-outbox/internal/app"
	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/spf13/cobra"
)

func EnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Store an action for later replay",
		Long: `Store an action for later replay. The portal token is taken from
--token or from the OS keyring (see "outboxctl token set") and stored as
data.token unless the payload already carries one.

Examples:
  outboxctl enqueue interest-toggle --data '{"hike_id":"42","interested":true}'
  outboxctl enqueue feedback-submit --data '{"category":"bug","message":"hi"}' --priority 5`,
		Args: cobra.ExactArgs(1),
		RunE: runEnqueue,
	}

	cmd.Flags().String("data", "{}", "JSON object payload")
	cmd.Flags().Int("priority", 0, "Replay priority among actions created at the same time")
	cmd.Flags().Int("max-retries", 0, "Retry ceiling (0 uses the configured default)")
	cmd.Flags().String("token", "", "Portal token (overrides the keyring)")
	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	actionType := domain.ActionType(args[0])
	data, _ := cmd.Flags().GetString("data")
	priority, _ := cmd.Flags().GetInt("priority")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	output, _ := cmd.Flags().GetString("output")
	if err := checkOutput(output); err != nil {
		return err
	}

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		stored, err := loadToken()
		if err != nil && !errors.Is(err, ErrTokenNotFound) {
			return err
		}
		token = stored
	}

	payload, err := outbox.InjectToken(json.RawMessage(data), token)
	if err != nil {
		return fmt.Errorf("--data must be a JSON object: %w", err)
	}

	return withRuntime(cmd, func(rt *app.Runtime) error {
		if _, ok := rt.Outbox.Registry().Lookup(actionType); !ok {
			return fmt.Errorf("%w: %s", outbox.ErrUnknownActionType, actionType)
		}

		action, err := rt.Outbox.Enqueue(cmd.Context(), actionType, payload, outbox.EnqueueOptions{
			Priority:   priority,
			MaxRetries: maxRetries,
		})
		if err != nil {
			return err
		}

		if output == "json" {
			return writeJSON(cmd.OutOrStdout(), outbox.NewActionView(action))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s action %d\n", typeLabel(action.Type), action.ID)
		return nil
	})
}

func ListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending actions in replay order",
		Long: `List pending actions in replay order. Payloads are never shown.

Examples:
  outboxctl list
  outboxctl list -o json`,
		Args: cobra.NoArgs,
		RunE: runList,
	}

	cmd.Flags().StringP("output", "o", "table", "Output format: table or json")

	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")
	if err := checkOutput(output); err != nil {
		return err
	}

	return withRuntime(cmd, func(rt *app.Runtime) error {
		actions, err := rt.Outbox.ListPending(cmd.Context())
		if err != nil {
			return err
		}

		views := make([]outbox.ActionView, 0, len(actions))
		for _, a := range actions {
			views = append(views, outbox.NewActionView(a))
		}

		if output == "json" {
			return writeJSON(cmd.OutOrStdout(), views)
		}
		if len(views) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending actions.")
			return nil
		}
		printActions(cmd.OutOrStdout(), views)
		return nil
	})
}

func CountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of pending actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				n, err := rt.Outbox.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func ClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(rt *app.Runtime) error {
				if err := rt.Outbox.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared pending actions.")
				return nil
			})
		},
	}
}

func RemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove one pending action",
		Long: `Remove one pending action. This is the way to discard actions whose
type has no handler, which the sync pass leaves in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid action id %q", args[0])
			}

			return withRuntime(cmd, func(rt *app.Runtime) error {
				if err := rt.Outbox.Remove(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed action %d\n", id)
				return nil
			})
		},
	}
}
