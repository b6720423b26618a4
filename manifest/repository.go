package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/fileutil"
)

// RepositoryConfig configures a manifest repository.
type RepositoryConfig struct {
	// Source is where the manifest is read from.
	Source Source

	// PayloadOptions configures sources opened for payload downloads.
	PayloadOptions SourceOptions

	// Retry applies to manifest and payload reads.
	Retry RetryPolicy

	// LastKnownPath persists the most recent valid manifest document so an
	// offline start still knows its tools. Empty disables persistence.
	LastKnownPath string

	// Pipeline overrides the default validators.
	Pipeline *Pipeline

	// Observer receives one observation per read and per retry.
	Observer ReadObserver

	Logger *slog.Logger
	Now    func() time.Time
}

// Loaded is an adopted manifest together with where it came from.
type Loaded struct {
	Manifest  *Manifest
	FetchedAt time.Time
	// FromLastKnown is true when the manifest was restored from disk rather
	// than fetched during this process lifetime.
	FromLastKnown bool
}

// Repository fetches and validates manifests and exposes the current one.
// The current manifest is replaced atomically; readers holding an older
// *Manifest keep a consistent view.
type Repository struct {
	source         Source
	payloadOptions SourceOptions
	retry          RetryPolicy
	lastKnownPath  string
	pipeline       Pipeline
	observer       ReadObserver
	logger         *slog.Logger
	now            func() time.Time

	current atomic.Pointer[Loaded]
}

// NewRepository creates a repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Source == nil {
		return nil, errors.New("manifest: repository source is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	pipeline := DefaultPipeline()
	if cfg.Pipeline != nil {
		pipeline = *cfg.Pipeline
	}
	return &Repository{
		source:         cfg.Source,
		payloadOptions: cfg.PayloadOptions,
		retry:          cfg.Retry,
		lastKnownPath:  strings.TrimSpace(cfg.LastKnownPath),
		pipeline:       pipeline,
		observer:       cfg.Observer,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}, nil
}

// Source returns the manifest source.
func (r *Repository) Source() Source {
	return r.source
}

// Location returns the manifest source location.
func (r *Repository) Location() string {
	return r.source.Location()
}

// Current returns the adopted manifest, if any.
func (r *Repository) Current() (Loaded, bool) {
	loaded := r.current.Load()
	if loaded == nil {
		return Loaded{}, false
	}
	return *loaded, true
}

// Fetch reads, parses and validates the manifest. On success the manifest
// becomes current and is persisted as last-known. On failure the current
// manifest is left untouched: unreachable sources return catalog.ErrNetwork,
// undecodable or inconsistent documents return catalog.ErrValidation.
func (r *Repository) Fetch(ctx context.Context) (Manifest, error) {
	start := r.now()
	data, attempts, err := readWithRetry(ctx, r.retry, r.retryLogger(ReadKindManifest, r.source.Location()), func(ctx context.Context, _ int) ([]byte, error) {
		return r.source.Read(ctx)
	})
	r.observe(ReadKindManifest, r.source.Location(), start, attempts, len(data), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Manifest{}, ctxErr
		}
		return Manifest{}, asNetworkError(err, r.source.Location())
	}

	m, err := r.decode(data)
	if err != nil {
		return Manifest{}, err
	}

	r.adopt(m, false)
	r.logger.Debug("manifest fetched",
		"source", r.source.Location(),
		"tools", len(m.Tools),
		"attempts", attempts,
	)

	if r.lastKnownPath != "" {
		if err := fileutil.AtomicWrite(r.lastKnownPath, data, 0o644); err != nil {
			r.logger.Warn("failed to persist last-known manifest",
				"path", r.lastKnownPath,
				"error", err,
			)
		}
	}
	return m, nil
}

// LoadLastKnown restores the persisted manifest when no manifest has been
// adopted yet. It reports false when nothing usable is on disk.
func (r *Repository) LoadLastKnown() (Manifest, bool, error) {
	if r.lastKnownPath == "" {
		return Manifest{}, false, nil
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(r.lastKnownPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, fmt.Errorf("reading last-known manifest %q: %w", r.lastKnownPath, err)
	}

	m, err := r.decode(data)
	if err != nil {
		return Manifest{}, false, fmt.Errorf("last-known manifest %q: %w", r.lastKnownPath, err)
	}

	if r.current.Load() == nil {
		r.adopt(m, true)
	}
	return m, true, nil
}

// FetchPayload downloads the payload referenced by descriptor. Relative
// references resolve against the manifest location.
func (r *Repository) FetchPayload(ctx context.Context, descriptor ToolDescriptor) ([]byte, error) {
	ref := ResolveRef(r.source.Location(), descriptor.PayloadRef)
	src, err := OpenSource(ref, r.payloadOptions)
	if err != nil {
		return nil, catalog.NewError(catalog.CodeNetwork, fmt.Sprintf("payload for %s: %v", descriptor.ID, err), false, err)
	}

	start := r.now()
	data, attempts, err := readWithRetry(ctx, r.retry, r.retryLogger(ReadKindPayload, ref), func(ctx context.Context, _ int) ([]byte, error) {
		return src.Read(ctx)
	})
	r.observe(ReadKindPayload, ref, start, attempts, len(data), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, asNetworkError(err, ref)
	}
	return data, nil
}

func (r *Repository) decode(data []byte) (Manifest, error) {
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, catalog.NewError(catalog.CodeValidation, err.Error(), false, err)
	}
	result := r.pipeline.Run(m)
	if result.HasErrors() {
		return Manifest{}, validationError(result)
	}
	for _, w := range result.Warnings() {
		r.logger.Warn("manifest warning", "field", w.Field, "code", w.Code, "message", w.Message)
	}
	return m, nil
}

func (r *Repository) adopt(m Manifest, fromLastKnown bool) {
	clone := m.Clone()
	r.current.Store(&Loaded{
		Manifest:      &clone,
		FetchedAt:     r.now(),
		FromLastKnown: fromLastKnown,
	})
}

func (r *Repository) retryLogger(kind, location string) retryHook {
	return func(attempt int, wait time.Duration, err error) {
		r.logger.Warn("retrying read",
			"kind", kind,
			"location", location,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
		if r.observer != nil {
			r.observer.ObserveRetry(RetryObservation{
				Kind:      kind,
				Location:  location,
				Attempt:   attempt,
				Backoff:   wait,
				ErrorCode: catalog.CodeOf(err),
			})
		}
	}
}

func (r *Repository) observe(kind, location string, start time.Time, attempts, size int, err error) {
	if r.observer == nil {
		return
	}
	r.observer.ObserveRead(ReadObservation{
		Kind:      kind,
		Location:  location,
		Attempts:  attempts,
		Bytes:     size,
		Duration:  r.now().Sub(start),
		Success:   err == nil,
		ErrorCode: catalog.CodeOf(err),
	})
}

func asNetworkError(err error, location string) error {
	if errors.Is(err, catalog.ErrNetwork) {
		return err
	}
	return catalog.NewError(catalog.CodeNetwork, fmt.Sprintf("reading %s: %v", location, err), false, err)
}
