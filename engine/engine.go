// Package engine coordinates the manifest repository, the payload cache, the
// status tracker and the executor into the catalog operations an operator
// uses: refresh the catalog, run a tool, cancel it and acknowledge its result.
//
// Every observable change is emitted as a bus.Event through one ordered
// chain: sequence assignment, optional decoration, journal and telemetry
// handlers, then the bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/cache"
	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/executor"
	"github.com/petal-labs/toolcatalog/manifest"
	"github.com/petal-labs/toolcatalog/status"
)

// interruptedDetail is recorded for tools found running in the journal at start.
const interruptedDetail = "process ended while the tool was running"

// Config wires an Engine.
type Config struct {
	Repository *manifest.Repository
	Cache      *cache.Store
	Executor   *executor.Executor

	// Bus distributes events to subscribers. Defaults to a MemBus owned and
	// closed by the engine.
	Bus bus.EventBus
	// Store journals every event and is consulted for crash recovery. Nil
	// disables both.
	Store bus.EventStore
	// Handlers receive every event after the journal and before the bus,
	// for example telemetry.
	Handlers []bus.Handler
	// Decorate wraps the handler chain, for example to stamp trace ids.
	Decorate func(bus.Handler) bus.Handler

	// DefaultTimeout applies to runs that do not set one. Zero means none.
	DefaultTimeout time.Duration

	NewSessionID func() string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Engine is the catalog engine. It is safe for concurrent use.
type Engine struct {
	repo     *manifest.Repository
	cache    *cache.Store
	exec     *executor.Executor
	tracker  *status.Tracker
	bus      bus.EventBus
	ownBus   bool
	store    bus.EventStore
	timeout  time.Duration
	newID    func() string
	logger   *slog.Logger
	now      func() time.Time
	dispatch bus.Handler

	emitMu sync.Mutex
	seq    uint64

	mu       sync.Mutex
	inflight map[string]*flight
	refresh  refreshState
	closed   bool
}

// refreshState is what the last Refresh learned about connectivity.
type refreshState struct {
	offline  bool
	warnings []string
}

// New creates an engine. Call Start before use.
func New(cfg Config) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, errors.New("engine: repository is nil")
	}
	if cfg.Cache == nil {
		return nil, errors.New("engine: cache is nil")
	}
	if cfg.Executor == nil {
		return nil, errors.New("engine: executor is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}

	e := &Engine{
		repo:     cfg.Repository,
		cache:    cfg.Cache,
		exec:     cfg.Executor,
		bus:      cfg.Bus,
		store:    cfg.Store,
		timeout:  cfg.DefaultTimeout,
		newID:    cfg.NewSessionID,
		logger:   cfg.Logger,
		now:      cfg.Now,
		inflight: make(map[string]*flight),
	}
	if e.bus == nil {
		e.bus = bus.NewMemBus(bus.MemBusConfig{})
		e.ownBus = true
	}

	handlers := make([]bus.Handler, 0, len(cfg.Handlers)+2)
	if e.store != nil {
		handlers = append(handlers, bus.NewStoreSubscriber(e.store, e.logger).Handle)
	}
	handlers = append(handlers, cfg.Handlers...)
	handlers = append(handlers, e.bus.Publish)
	e.dispatch = bus.MultiHandler(handlers...)
	if cfg.Decorate != nil {
		e.dispatch = cfg.Decorate(e.dispatch)
	}

	e.tracker = status.NewTracker(status.Config{
		OnTransition: e.onTransition,
		Now:          cfg.Now,
	})
	return e, nil
}

// Start restores state from disk: the event sequence, interrupted sessions
// from the journal and the last-known manifest. It does not touch the network.
func (e *Engine) Start(ctx context.Context) error {
	if e.store != nil {
		seq, err := e.store.LatestSeq(ctx, "")
		if err != nil {
			return fmt.Errorf("engine: reading journal sequence: %w", err)
		}
		e.emitMu.Lock()
		e.seq = seq
		e.emitMu.Unlock()

		if err := e.recoverInterrupted(ctx); err != nil {
			return err
		}
	}

	m, ok, err := e.repo.LoadLastKnown()
	if err != nil {
		e.logger.Warn("ignoring unreadable last-known manifest", "error", err)
	}
	if ok {
		e.reconcile(&m, false)
		e.logger.Info("restored last-known manifest", "tools", len(m.Tools))
	}
	return nil
}

// recoverInterrupted fails every tool whose last journaled transition entered
// Running: its process did not survive the previous engine.
func (e *Engine) recoverInterrupted(ctx context.Context) error {
	latest, err := e.store.LatestOfKind(ctx, bus.EventStatusChanged)
	if err != nil {
		return fmt.Errorf("engine: reading journal: %w", err)
	}
	for _, ev := range latest {
		if ev.String("to") != string(status.StateRunning) {
			continue
		}
		if err := e.tracker.RecoverInterrupted(ev.ToolID, ev.SessionID, interruptedDetail); err != nil {
			e.logger.Warn("crash recovery skipped tool", "tool_id", ev.ToolID, "error", err)
			continue
		}
		e.logger.Warn("recovered interrupted session",
			"tool_id", ev.ToolID,
			"session_id", ev.SessionID,
		)
	}
	return nil
}

// Subscribe returns a subscription receiving every event.
func (e *Engine) Subscribe() bus.Subscription {
	return e.bus.SubscribeAll()
}

// SubscribeTool returns a subscription receiving the events of one tool.
func (e *Engine) SubscribeTool(toolID string) bus.Subscription {
	return e.bus.Subscribe(toolID)
}

// Close cancels every in-flight download and session, waits for their
// results to be recorded and closes the bus if the engine created it.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	flights := make([]*flight, 0, len(e.inflight))
	for _, f := range e.inflight {
		flights = append(flights, f)
	}
	e.mu.Unlock()

	var errs []error
	for _, f := range flights {
		f.stop()
		select {
		case <-f.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("engine: waiting for %s: %w", f.toolID, ctx.Err()))
		}
	}
	if e.ownBus {
		errs = append(errs, e.bus.Close())
	}
	return errors.Join(errs...)
}

// onTransition turns tracker transitions into status events. It runs under
// the tracker lock, so events for one tool are emitted in transition order.
func (e *Engine) onTransition(tr status.Transition) {
	ev := bus.Event{
		Kind:      bus.EventStatusChanged,
		ToolID:    tr.ToolID,
		SessionID: tr.SessionID,
		Time:      tr.At,
		Payload: map[string]any{
			"from": string(tr.From),
			"to":   string(tr.To),
		},
	}
	if tr.Reason != status.ReasonNone {
		ev.Payload["reason"] = string(tr.Reason)
	}
	if tr.Detail != "" {
		ev.Payload["detail"] = tr.Detail
	}
	e.emit(ev)
}

// emit assigns the next sequence number and dispatches ev. Sequence order
// equals dispatch order.
func (e *Engine) emit(ev bus.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	if ev.Payload == nil {
		ev.Payload = make(map[string]any)
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.seq++
	ev.Seq = e.seq
	e.dispatch(ev)
}

// presence reports the cache situation of descriptor. Corrupt entries are
// discarded by the cache and count as missing.
func (e *Engine) presence(desc manifest.ToolDescriptor) (status.Presence, cache.Entry) {
	entry, ok, err := e.cache.Get(desc.ID)
	if err != nil {
		if catalog.CodeOf(err) == catalog.CodeCacheCorruption {
			e.logger.Warn("cache entry discarded", "tool_id", desc.ID, "error", err)
		} else {
			e.logger.Error("cache lookup failed", "tool_id", desc.ID, "error", err)
		}
		return status.PresenceMissing, cache.Entry{}
	}
	if !ok {
		return status.PresenceMissing, cache.Entry{}
	}
	if cache.IsStale(entry, desc) {
		return status.PresenceStale, entry
	}
	return status.PresenceFresh, entry
}

// descriptor looks toolID up in the current manifest.
func (e *Engine) descriptor(toolID string) (manifest.ToolDescriptor, error) {
	loaded, ok := e.repo.Current()
	if !ok {
		return manifest.ToolDescriptor{}, catalog.Errorf(catalog.CodeToolNotFound, "no manifest loaded; tool %s is unknown", toolID)
	}
	desc, ok := loaded.Manifest.Tool(toolID)
	if !ok {
		return manifest.ToolDescriptor{}, catalog.Errorf(catalog.CodeToolNotFound, "tool %s is not in the manifest", toolID)
	}
	return desc, nil
}
