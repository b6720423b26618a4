package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/engine"
	catalogotel "github.com/petal-labs/toolcatalog/otel"
)

// NewWatchCmd creates the "watch" subcommand.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the catalog fresh and print every catalog event",
		Long: "Watch refreshes the catalog on the configured schedule and, for local\n" +
			"manifests, whenever the file changes. Every event is printed until the\n" +
			"command is interrupted.",
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
	cmd.Flags().String("schedule", "", "Refresh schedule, cron syntax or @every (default: refresh.schedule)")
	cmd.Flags().Bool("watch-file", false, "Refresh when a local manifest file changes (default: manifest.watch)")
	cmd.Flags().Bool("output", false, "Also print output.line events")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	withOutput, _ := cmd.Flags().GetBool("output")
	st := newStyles(cmd.OutOrStdout(), noColor(cmd))
	a, err := openApp(cmd, appOptions{
		handlers: []bus.Handler{eventLog(cmd.OutOrStdout(), st, withOutput)},
	})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if _, err := a.engine.Refresh(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), st.warning("warning: "+err.Error()))
	}

	expr := a.cfg.Refresh.Schedule
	if cmd.Flags().Changed("schedule") {
		expr, _ = cmd.Flags().GetString("schedule")
	}
	stopScheduler, err := startScheduler(a, expr)
	if err != nil {
		return err
	}
	defer stopScheduler(context.WithoutCancel(ctx))

	watchFile := a.cfg.Manifest.Watch
	if cmd.Flags().Changed("watch-file") {
		watchFile, _ = cmd.Flags().GetBool("watch-file")
	}
	watchErr := make(chan error, 1)
	if watchFile {
		go func() {
			watchErr <- a.engine.WatchManifest(ctx, a.cfg.Manifest.WatchDebounce, nil)
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-watchErr:
		if errors.Is(err, engine.ErrNotWatchable) {
			return exitError(exitConfig, "manifest source %s is not a local file and cannot be watched", a.repo.Location())
		}
		if err != nil {
			return err
		}
	}

	printCounters(cmd.ErrOrStderr(), a.telemetry)
	return nil
}

// startScheduler runs scheduled refreshes when expr is set. The returned
// function stops it.
func startScheduler(a *app, expr string) (func(context.Context), error) {
	if strings.TrimSpace(expr) == "" {
		return func(context.Context) {}, nil
	}
	scheduler, err := engine.NewRefreshScheduler(engine.RefreshSchedulerConfig{
		Refresher: a.engine,
		Expr:      expr,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, exitError(exitConfig, "refresh schedule: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		return nil, err
	}
	a.logger.Info("scheduled refresh", "schedule", expr, "next", scheduler.Next())
	return func(ctx context.Context) {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}, nil
}

// eventLog prints one line per event.
func eventLog(out io.Writer, st styles, withOutput bool) bus.Handler {
	var mu sync.Mutex
	return func(ev bus.Event) {
		if ev.Kind == bus.EventOutputLine && !withOutput {
			return
		}
		subject := ev.ToolID
		if subject == "" {
			subject = "catalog"
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s %s %s %s\n",
			st.muted(ev.Time.Local().Format(time.TimeOnly)), st.heading(string(ev.Kind)), subject, summarizeEvent(ev))
	}
}

func printCounters(w io.Writer, t *catalogotel.Telemetry) {
	if t == nil {
		return
	}
	totals, err := t.CounterTotals(context.Background())
	if err != nil || len(totals) == 0 {
		return
	}
	for _, name := range catalogotel.SortedNames(totals) {
		fmt.Fprintf(w, "%s=%d\n", name, totals[name])
	}
}
