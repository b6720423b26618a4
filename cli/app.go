package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/cache"
	"github.com/petal-labs/toolcatalog/config"
	"github.com/petal-labs/toolcatalog/engine"
	"github.com/petal-labs/toolcatalog/executor"
	"github.com/petal-labs/toolcatalog/logging"
	"github.com/petal-labs/toolcatalog/manifest"
	catalogotel "github.com/petal-labs/toolcatalog/otel"
)

// app is a fully wired engine together with everything it owns.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	repo      *manifest.Repository
	cache     *cache.Store
	engine    *engine.Engine
	history   *bus.SQLiteEventStore
	telemetry *catalogotel.Telemetry
}

type appOptions struct {
	// handlers see every engine event synchronously.
	handlers []bus.Handler
	// bus, when set, replaces the engine's private bus. The caller closes it.
	bus bus.EventBus
}

// loadConfig reads the configuration named by --config and applies the
// --verbose and --quiet overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "%v", err)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		cfg.Log.Level = "error"
	}
	if cfg.Log.Output == nil {
		cfg.Log.Output = cmd.ErrOrStderr()
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, exitError(exitConfig, "log: %v", err)
	}
	return logger, nil
}

// openCache opens the payload cache alone, for commands that do not need
// the manifest.
func openCache(cmd *cobra.Command) (*cache.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return cache.NewStore(cache.Config{Root: cfg.Cache.Dir, Logger: logger})
}

// openHistory opens the event journal alone.
func openHistory(cmd *cobra.Command) (*bus.SQLiteEventStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.History.SQLitePath == "" {
		return nil, exitError(exitConfig, "history.sqlite_path is not configured")
	}
	return openSQLiteHistory(cfg.History, false)
}

func openSQLiteHistory(hc config.HistoryConfig, prune bool) (*bus.SQLiteEventStore, error) {
	dsn := strings.TrimSpace(hc.SQLitePath)
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	storeCfg := bus.SQLiteStoreConfig{DSN: dsn}
	if prune {
		storeCfg.RetentionAge = hc.RetentionAge
		storeCfg.RetentionCount = hc.RetentionCount
	}
	return bus.NewSQLiteEventStore(storeCfg)
}

// openApp wires and starts an engine from configuration. The caller must
// call close.
func openApp(cmd *cobra.Command, opts appOptions) (_ *app, err error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireSource(); err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	a.telemetry, err = catalogotel.Setup(ctx, catalogotel.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, exitError(exitConfig, "telemetry: %v", err)
	}

	srcOpts := manifest.SourceOptions{
		Client:   &http.Client{Timeout: cfg.Manifest.Timeout},
		MaxBytes: cfg.Manifest.MaxPayloadBytes,
		Headers:  cfg.Manifest.Headers,
	}
	src, err := manifest.OpenSource(cfg.Manifest.Source, srcOpts)
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	a.repo, err = manifest.NewRepository(manifest.RepositoryConfig{
		Source:         src,
		PayloadOptions: srcOpts,
		Retry:          cfg.Manifest.Retry,
		LastKnownPath:  cfg.Manifest.LastKnown,
		Observer:       a.telemetry.Fetch,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	a.cache, err = cache.NewStore(cache.Config{Root: cfg.Cache.Dir, Logger: logger})
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(executor.Config{
		ScratchRoot:   cfg.Executor.ScratchDir,
		ModulesDir:    cfg.Modules.Dir,
		ModulesEnvVar: cfg.Modules.Env,
		GracePeriod:   cfg.Executor.GracePeriod,
		Interpreters:  cfg.Interpreters(),
		Env:           cfg.Executor.Env,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	engCfg := engine.Config{
		Repository:     a.repo,
		Cache:          a.cache,
		Executor:       exec,
		Bus:            opts.bus,
		Handlers:       append([]bus.Handler{a.telemetry.Handler()}, opts.handlers...),
		Decorate:       a.telemetry.Decorate,
		DefaultTimeout: cfg.Executor.DefaultTimeout,
		Logger:         logger,
	}
	if cfg.History.SQLitePath != "" {
		a.history, err = openSQLiteHistory(cfg.History, true)
		if err != nil {
			return nil, err
		}
		engCfg.Store = a.history
	}

	a.engine, err = engine.New(engCfg)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	return a, nil
}

// close stops sessions and releases everything the app owns.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func noColor(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("no-color")
	return v || os.Getenv("NO_COLOR") != ""
}
