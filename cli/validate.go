package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolcatalog/manifest"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a manifest file without adopting it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	// #nosec G304 -- the user names the file to validate.
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return exitError(exitFailure, "%v", err)
	}
	result := manifest.Check(m)

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	case "text", "":
		printDiagnostics(out, m, result)
	default:
		return exitError(exitFailure, "unknown format %q", format)
	}

	if result.HasErrors() {
		return exitError(exitFailure, "validation failed")
	}
	if strict && len(result.Warnings()) > 0 {
		return exitError(exitFailure, "validation failed (strict mode: warnings treated as errors)")
	}
	return nil
}

func printDiagnostics(w io.Writer, m manifest.Manifest, result manifest.Result) {
	if len(result.Diagnostics) == 0 {
		fmt.Fprintf(w, "Valid: %d categories, %d tools (schema %s)\n", len(m.Categories), len(m.Tools), m.SchemaVersion)
		return
	}
	for _, d := range result.Diagnostics {
		fmt.Fprintln(w, d.String())
	}
	fmt.Fprintf(w, "%d error(s), %d warning(s)\n", len(result.Errors()), len(result.Warnings()))
}
