package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewCacheCmd creates the "cache" command group.
func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and evict cached tool payloads",
	}
	cmd.AddCommand(newCacheListCmd())
	cmd.AddCommand(newCacheEvictCmd())
	return cmd
}

func newCacheListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached payloads",
		Args:  cobra.NoArgs,
		RunE:  runCacheList,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func newCacheEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <pattern>",
		Short: "Evict cached payloads whose tool id matches a glob",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheEvict,
	}
}

func runCacheList(cmd *cobra.Command, _ []string) error {
	store, err := openCache(cmd)
	if err != nil {
		return err
	}
	entries, err := store.List()
	if err != nil {
		return exitForError(err)
	}

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "text", "":
	default:
		return exitError(exitFailure, "unknown format %q", format)
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Cache is empty.")
		return nil
	}
	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "TOOL\tVERSION\tSIZE\tFETCHED\tHASH")
	for _, e := range entries {
		hash := e.ContentHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		var size uint64
		if e.Size > 0 {
			size = uint64(e.Size)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			e.ToolID, e.Version, humanize.Bytes(size), e.FetchedAt.Local().Format(time.DateTime), hash)
	}
	return writer.Flush()
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	pattern := args[0]
	if !doublestar.ValidatePattern(pattern) {
		return exitError(exitFailure, "invalid pattern %q", pattern)
	}
	store, err := openCache(cmd)
	if err != nil {
		return err
	}
	evicted, err := store.EvictMatching(pattern)
	if err != nil {
		return exitForError(err)
	}
	for _, id := range evicted {
		fmt.Fprintf(cmd.OutOrStdout(), "evicted %s\n", id)
	}
	if len(evicted) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "nothing matched %q\n", pattern)
	}
	return nil
}
