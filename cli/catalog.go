package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/engine"
)

// NewRefreshCmd creates the "refresh" subcommand.
func NewRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the manifest and print the catalog",
		Args:  cobra.NoArgs,
		RunE:  runRefresh,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

// NewListCmd creates the "list" subcommand.
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the catalog from the last-known manifest without network access",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().String("match", "", "Only tools whose id matches this glob")
	cmd.Flags().String("category", "", "Only tools in this category")
	return cmd
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	snap, refreshErr := a.engine.Refresh(cmd.Context())
	if refreshErr != nil && !errors.Is(refreshErr, catalog.ErrValidation) {
		return exitForError(refreshErr)
	}
	if err := writeSnapshot(cmd, snap, catalogFilter{}); err != nil {
		return err
	}
	if refreshErr != nil {
		return exitError(exitFailure, "manifest rejected, previous catalog kept: %v", refreshErr)
	}
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	match, _ := cmd.Flags().GetString("match")
	category, _ := cmd.Flags().GetString("category")
	filter := catalogFilter{match: strings.TrimSpace(match), category: strings.TrimSpace(category)}
	if filter.match != "" && !doublestar.ValidatePattern(filter.match) {
		return exitError(exitFailure, "invalid --match pattern %q", filter.match)
	}

	a, err := openApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	snap := a.engine.Snapshot()
	if snap.SchemaVersion == "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "No catalog is known yet. Run \"toolcatalog refresh\" first.")
		return exitError(exitOffline, "no last-known manifest")
	}
	return writeSnapshot(cmd, snap, filter)
}

type catalogFilter struct {
	match    string
	category string
}

func (f catalogFilter) apply(snap engine.Snapshot) engine.Snapshot {
	if f.match == "" && f.category == "" {
		return snap
	}
	tools := snap.Tools[:0:0]
	for _, t := range snap.Tools {
		if f.category != "" && t.Descriptor.CategoryID != f.category {
			continue
		}
		if f.match != "" {
			if ok, _ := doublestar.Match(f.match, t.Descriptor.ID); !ok {
				continue
			}
		}
		tools = append(tools, t)
	}
	snap.Tools = tools
	return snap
}

func writeSnapshot(cmd *cobra.Command, snap engine.Snapshot, filter catalogFilter) error {
	format, _ := cmd.Flags().GetString("format")
	snap = filter.apply(snap)
	st := newStyles(cmd.OutOrStdout(), noColor(cmd))

	for _, w := range snap.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), st.warning("warning: "+w))
	}

	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "text", "":
		printSnapshot(cmd.OutOrStdout(), snap, st)
		return nil
	default:
		return exitError(exitFailure, "unknown format %q", format)
	}
}

// printSnapshot writes the catalog grouped by category, in manifest order.
func printSnapshot(out io.Writer, snap engine.Snapshot, st styles) {
	if snap.Offline {
		fmt.Fprintln(out, st.warning("offline: showing last-known catalog"))
	}
	printed := 0
	for _, cat := range snap.Categories {
		tools := snap.ToolsIn(cat.ID)
		if len(tools) == 0 {
			continue
		}
		if printed > 0 {
			fmt.Fprintln(out)
		}
		printed++
		fmt.Fprintln(out, st.heading(cat.Name)+" "+st.muted("("+cat.ID+")"))

		writer := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(writer, "  ID\tNAME\tVERSION\tCACHED\tSTATE")
		for _, t := range tools {
			cached := t.CachedVersion
			if cached == "" {
				cached = "-"
			}
			fmt.Fprintf(writer, "  %s\t%s\t%s\t%s\t%s\n",
				t.Descriptor.ID, t.Descriptor.Name, t.Descriptor.Version, cached, st.state(t.State))
		}
		writer.Flush()
	}
	if printed == 0 {
		fmt.Fprintln(out, "No tools.")
	}
}
