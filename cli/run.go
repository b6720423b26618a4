package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/engine"
	"github.com/petal-labs/toolcatalog/status"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <toolId> [-- args...]",
		Short: "Download a tool if needed, run it and stream its output",
		Long: "Run refreshes the catalog, downloads the tool when its cached payload is\n" +
			"missing or out of date, and streams the tool's output. Interrupting the\n" +
			"command cancels the session. The command exits with the tool's exit code.",
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}

	cmd.Flags().Duration("timeout", 0, "Session timeout (default: executor.default_timeout)")
	cmd.Flags().Bool("no-refresh", false, "Use the last-known catalog without fetching the manifest")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	toolID, toolArgs := args[0], args[1:]
	ctx := cmd.Context()

	a, err := openApp(cmd, appOptions{
		handlers: []bus.Handler{streamOutput(toolID, cmd.OutOrStdout(), cmd.ErrOrStderr())},
	})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if skip, _ := cmd.Flags().GetBool("no-refresh"); !skip {
		snap, err := a.engine.Refresh(ctx)
		st := newStyles(cmd.ErrOrStderr(), noColor(cmd))
		for _, w := range snap.Warnings {
			fmt.Fprintln(cmd.ErrOrStderr(), st.warning("warning: "+w))
		}
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), st.warning("warning: "+err.Error()))
		}
	}

	var opts []engine.RunOption
	if cmd.Flags().Changed("timeout") {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		opts = append(opts, engine.WithTimeout(timeout))
	}

	finished := make(chan struct{})
	defer close(finished)
	go cancelOnInterrupt(a, toolID, cmd.ErrOrStderr(), finished)

	info, err := a.engine.Run(ctx, toolID, toolArgs, opts...)
	if err != nil {
		return exitForError(err)
	}
	a.logger.Debug("session started", "tool_id", info.ToolID, "session_id", info.SessionID,
		"version", info.Version, "pid", info.PID, "downloaded", info.Downloaded)

	result, err := a.engine.Wait(ctx, toolID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if _, cerr := a.engine.Cancel(context.WithoutCancel(ctx), toolID); cerr != nil {
				a.logger.Warn("cancelling after context end", "tool_id", toolID, "error", cerr)
			}
		}
		return exitForError(err)
	}
	return resultExit(result)
}

// cancelOnInterrupt cancels the tool's run on SIGINT or SIGTERM until
// finished is closed.
func cancelOnInterrupt(a *app, toolID string, stderr io.Writer, finished <-chan struct{}) {
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	select {
	case <-interrupts:
		fmt.Fprintf(stderr, "cancelling %s...\n", toolID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.engine.Cancel(ctx, toolID); err != nil && !errors.Is(err, catalog.ErrNotRunning) {
			a.logger.Warn("cancel failed", "tool_id", toolID, "error", err)
		}
	case <-finished:
	}
}

// streamOutput writes the tool's output lines to stdout and stderr as they
// arrive.
func streamOutput(toolID string, stdout, stderr io.Writer) bus.Handler {
	var mu sync.Mutex
	return func(ev bus.Event) {
		if ev.Kind != bus.EventOutputLine || ev.ToolID != toolID {
			return
		}
		w := stdout
		if ev.String("stream") == string(status.StreamStderr) {
			w = stderr
		}
		mu.Lock()
		fmt.Fprintln(w, ev.String("text"))
		mu.Unlock()
	}
}

// resultExit maps a session result to the process exit code.
func resultExit(r status.Result) error {
	if r.Succeeded() {
		return nil
	}
	switch r.Reason {
	case status.ReasonTimeout:
		return exitError(exitTimeout, "%s timed out after %s", r.ToolID, r.Duration().Round(time.Millisecond))
	case status.ReasonCancelled:
		return exitError(exitCancelled, "%s was cancelled", r.ToolID)
	case status.ReasonLaunchFailed, status.ReasonDownloadFailed:
		return exitError(exitLaunch, "%s could not be started: %s", r.ToolID, r.Detail)
	case status.ReasonNonZeroExit:
		if r.ExitCode != nil {
			return exitError(*r.ExitCode, "%s exited with code %d", r.ToolID, *r.ExitCode)
		}
	}
	if r.Detail != "" {
		return exitError(exitFailure, "%s failed: %s", r.ToolID, r.Detail)
	}
	return exitError(exitFailure, "%s failed", r.ToolID)
}
