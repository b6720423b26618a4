package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/server"
)

// TokenEnvVar supplies the API bearer token when --token is not given.
const TokenEnvVar = "TOOLCATALOG_API_TOKEN"

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog over HTTP",
		Long: "Serve exposes the catalog, runs and per-tool event streams over HTTP.\n" +
			"The catalog is refreshed at startup and on the configured schedule.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "127.0.0.1", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("token", "", "Bearer token required on /api routes (default: $"+TokenEnvVar+")")
	cmd.Flags().String("schedule", "", "Refresh schedule, cron syntax or @every (default: refresh.schedule)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv(TokenEnvVar)
	}
	if (tlsCert == "") != (tlsKey == "") {
		return exitError(exitConfig, "--tls-cert and --tls-key must be given together")
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eb.Close()
	}()

	a, err := openApp(cmd, appOptions{bus: eb})
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if _, err := a.engine.Refresh(ctx); err != nil {
		a.logger.Warn("initial refresh failed", "error", err)
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

	srvCfg := server.ServerConfig{
		Catalog:    a.engine,
		Bus:        eb,
		Token:      token,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     a.logger,
	}
	// A nil *SQLiteEventStore must not become a non-nil interface.
	if a.history != nil {
		srvCfg.EventStore = a.history
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewServer(srvCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Tool catalog listening on %s\n", addr)
		if tlsCert != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitFailure, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			if strings.Contains(err.Error(), "address already in use") {
				return exitError(exitConfig, "cannot listen on %s: %v", addr, err)
			}
			return exitError(exitFailure, "server error: %v", err)
		}
		return nil
	}
}
