package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const timeLayout = "2006-01-02 15:04:05"

var titleCaser = cases.Title(language.English)

// typeLabel renders feedback-submit as "Feedback Submit".
func typeLabel(t domain.ActionType) string {
	return titleCaser.String(strings.ReplaceAll(string(t), "-", " "))
}

func checkOutput(output string) error {
	if output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printActions(out io.Writer, views []outbox.ActionView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tRETRIES\tCREATED\tKEY")
	for _, v := range views {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d/%d\t%s\t%s\n",
			v.ID,
			typeLabel(v.Type),
			v.Priority,
			v.RetryCount, v.MaxRetries,
			v.CreatedAt.Local().Format(timeLayout),
			v.Key,
		)
	}
	w.Flush()
}

func printDeadLetters(out io.Writer, views []outbox.DeadLetterView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tFAILED\tREASON\tLAST ERROR")
	for _, v := range views {
		lastErr := v.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			v.ID,
			typeLabel(v.Action.Type),
			v.Action.RetryCount,
			v.FailedAt.Local().Format(timeLayout),
			v.Reason,
			lastErr,
		)
	}
	w.Flush()
}
