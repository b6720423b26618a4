package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolcatalog/bus"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [toolId]",
		Short: "Show journaled events for a tool, or list tools with history",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().Int("limit", 50, "Maximum number of events to show (0 = all)")
	cmd.Flags().Bool("output", false, "Include output.line events")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := cmd.Context()

	if len(args) == 0 {
		ids, err := store.ToolIDs(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No history.")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	}

	limit, _ := cmd.Flags().GetInt("limit")
	withOutput, _ := cmd.Flags().GetBool("output")
	events, err := store.Recent(ctx, args[0], limit)
	if err != nil {
		return err
	}
	if !withOutput {
		kept := events[:0]
		for _, ev := range events {
			if ev.Kind != bus.EventOutputLine {
				kept = append(kept, ev)
			}
		}
		events = kept
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	case "text", "":
		printHistory(cmd.OutOrStdout(), events)
		return nil
	default:
		return exitError(exitFailure, "unknown format %q", format)
	}
}

func printHistory(out io.Writer, events []bus.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events.")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "SEQ\tTIME\tKIND\tSESSION\tDETAIL")
	for _, ev := range events {
		session := ev.SessionID
		if session == "" {
			session = "-"
		} else if len(session) > 8 {
			session = session[:8]
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			ev.Seq, ev.Time.Local().Format(time.DateTime), ev.Kind, session, summarizeEvent(ev))
	}
	writer.Flush()
}

// summarizeEvent renders the payload fields a person cares about for kind.
func summarizeEvent(ev bus.Event) string {
	switch ev.Kind {
	case bus.EventStatusChanged:
		s := ev.String("from") + " -> " + ev.String("to")
		if r := ev.String("reason"); r != "" {
			s += " (" + r + ")"
		}
		return s
	case bus.EventSessionFinished:
		parts := []string{}
		if code, ok := ev.Int("exit_code"); ok {
			parts = append(parts, fmt.Sprintf("exit=%d", code))
		}
		if r := ev.String("reason"); r != "" {
			parts = append(parts, r)
		}
		if ms, ok := ev.Int("duration_ms"); ok {
			parts = append(parts, (time.Duration(ms) * time.Millisecond).String())
		}
		return strings.Join(parts, " ")
	case bus.EventOutputLine:
		return ev.String("stream") + ": " + ev.String("text")
	default:
		return payloadSummary(ev.Payload)
	}
}

func payloadSummary(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, " ")
}
