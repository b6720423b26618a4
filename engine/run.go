package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/cache"
	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/executor"
	"github.com/petal-labs/toolcatalog/manifest"
	"github.com/petal-labs/toolcatalog/status"
)

// RunOption customizes a Run.
type RunOption func(*runOptions)

type runOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout bounds the session's wall time, overriding the engine default.
// Zero disables the limit.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// SessionInfo describes a session that has been launched.
type SessionInfo struct {
	SessionID  string    `json:"sessionId"`
	ToolID     string    `json:"toolId"`
	Version    string    `json:"version"`
	PID        int       `json:"pid"`
	ScratchDir string    `json:"scratchDir"`
	StartedAt  time.Time `json:"startedAt"`
	// Downloaded is true when the payload was fetched for this run.
	Downloaded bool `json:"downloaded"`
}

// flight is one admitted Run, from admission until its terminal state is
// recorded.
type flight struct {
	toolID    string
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *executor.Session

	done chan struct{}
	// result is the terminal result of this flight, if it recorded one. The
	// owning goroutine writes it before done is closed.
	result status.Result
}

// stop aborts a download in progress and cancels the session once attached.
func (f *flight) stop() {
	f.cancel()
	f.mu.Lock()
	s := f.session
	f.mu.Unlock()
	if s != nil {
		go s.Cancel()
	}
}

// attach records the launched session. It reports false when the flight was
// stopped before the session existed; the caller must cancel it.
func (f *flight) attach(s *executor.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
	return f.ctx.Err() == nil
}

// Run downloads the tool's payload when it is not cached at the manifest's
// version, then launches it. It returns once the process is running; the
// session continues in the background until it exits, is cancelled or times
// out. A second Run for a tool with a download or session in flight returns
// catalog.ErrToolBusy.
func (e *Engine) Run(ctx context.Context, toolID string, args []string, opts ...RunOption) (SessionInfo, error) {
	o := runOptions{timeout: e.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	desc, err := e.descriptor(toolID)
	if err != nil {
		return SessionInfo{}, err
	}

	f, err := e.admit(toolID)
	if err != nil {
		return SessionInfo{}, err
	}
	info, err := e.run(ctx, f, desc, args, o)
	if err != nil {
		e.settle(f, f.result)
		return SessionInfo{}, err
	}
	return info, nil
}

func (e *Engine) admit(toolID string) (*flight, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, catalog.Errorf(catalog.CodeCancelled, "engine is closed")
	}
	if _, busy := e.inflight[toolID]; busy {
		return nil, catalog.Errorf(catalog.CodeToolBusy, "tool %s already has a download or session in flight", toolID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &flight{
		toolID:    toolID,
		sessionID: e.newID(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.inflight[toolID] = f
	return f, nil
}

// settle releases the flight and wakes waiters. Only the goroutine that owns
// the flight calls it.
func (e *Engine) settle(f *flight, result status.Result) {
	e.mu.Lock()
	if e.inflight[f.toolID] == f {
		delete(e.inflight, f.toolID)
	}
	e.mu.Unlock()
	f.result = result
	f.cancel()
	close(f.done)
}

func (e *Engine) run(ctx context.Context, f *flight, desc manifest.ToolDescriptor, args []string, o runOptions) (SessionInfo, error) {
	state, _ := e.tracker.State(desc.ID)
	presence, entry := e.presence(desc)

	// A new run clears the previous result; otherwise the state is aligned
	// with what is actually on disk. An offline tool stays offline until a
	// download succeeds.
	if state.Terminal() {
		if _, err := e.tracker.Acknowledge(desc.ID, presence); err != nil {
			return SessionInfo{}, err
		}
	} else if _, err := e.tracker.Reconcile(desc.ID, presence, state == status.StateUnavailableOffline); err != nil {
		return SessionInfo{}, err
	}

	downloaded := false
	if presence != status.PresenceFresh {
		var err error
		entry, err = e.download(ctx, f, desc)
		if err != nil {
			return SessionInfo{}, err
		}
		downloaded = true
	}

	if err := f.ctx.Err(); err != nil {
		return SessionInfo{}, e.abortBeforeLaunch(f, desc)
	}

	if err := e.tracker.Started(desc.ID, f.sessionID); err != nil {
		return SessionInfo{}, err
	}

	session, err := e.exec.Run(ctx, executor.Request{
		SessionID:   f.sessionID,
		ToolID:      desc.ID,
		Version:     desc.Version,
		PayloadPath: entry.LocalPath,
		Args:        args,
		Timeout:     o.timeout,
		OnOutput:    e.outputHandler(desc.ID, f.sessionID),
	})
	if err != nil {
		e.launchFailed(f, desc, err)
		return SessionInfo{}, err
	}

	e.emit(bus.Event{
		Kind:      bus.EventSessionStarted,
		ToolID:    desc.ID,
		SessionID: f.sessionID,
		Time:      session.StartedAt(),
		Payload: map[string]any{
			"version": desc.Version,
			"args":    append([]string(nil), args...),
			"pid":     session.PID(),
		},
	})

	if !f.attach(session) {
		go session.Cancel()
	}
	go e.await(f, session)

	return SessionInfo{
		SessionID:  f.sessionID,
		ToolID:     desc.ID,
		Version:    desc.Version,
		PID:        session.PID(),
		ScratchDir: session.ScratchDir(),
		StartedAt:  session.StartedAt(),
		Downloaded: downloaded,
	}, nil
}

// download fetches and caches the payload. The tool never reaches Running
// when it fails; an offline tool stays offline.
func (e *Engine) download(ctx context.Context, f *flight, desc manifest.ToolDescriptor) (cache.Entry, error) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.ctx, cancel)
	defer stop()

	e.emit(bus.Event{
		Kind:   bus.EventDownloadStarted,
		ToolID: desc.ID,
		Payload: map[string]any{
			"version":     desc.Version,
			"payload_ref": desc.PayloadRef,
		},
	})

	payload, err := e.repo.FetchPayload(dctx, desc)
	var entry cache.Entry
	if err == nil {
		entry, err = e.cache.Put(desc.ID, payload, desc.Version, cache.WithFilename(manifest.RefFilename(desc.PayloadRef)))
	}
	if err != nil {
		return cache.Entry{}, e.downloadFailed(f, desc, err)
	}

	e.emit(bus.Event{
		Kind:   bus.EventDownloadFinished,
		ToolID: desc.ID,
		Payload: map[string]any{
			"version":      desc.Version,
			"size":         entry.Size,
			"content_hash": entry.ContentHash,
		},
	})
	if err := e.tracker.Downloaded(desc.ID); err != nil {
		return cache.Entry{}, err
	}
	return entry, nil
}

func (e *Engine) downloadFailed(f *flight, desc manifest.ToolDescriptor, err error) error {
	code := catalog.CodeOf(err)
	if f.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		code = catalog.CodeCancelled
	}
	if code == "" {
		code = catalog.CodeInternal
	}
	e.emit(bus.Event{
		Kind:   bus.EventDownloadFailed,
		ToolID: desc.ID,
		Payload: map[string]any{
			"version":    desc.Version,
			"error_code": code,
			"error":      err.Error(),
		},
	})
	e.logger.Warn("payload download failed",
		"tool_id", desc.ID,
		"version", desc.Version,
		"error_code", code,
		"error", err,
	)

	if state, _ := e.tracker.State(desc.ID); state == status.StateUnavailableOffline {
		return catalog.NewError(catalog.CodeOffline,
			fmt.Sprintf("tool %s is unavailable offline", desc.ID), false, err)
	}
	if trErr := e.tracker.DownloadFailed(desc.ID, desc.Version, code, err.Error()); trErr != nil {
		return errors.Join(err, trErr)
	}
	f.result, _ = e.tracker.Result(desc.ID)
	if code == catalog.CodeCancelled && catalog.CodeOf(err) != catalog.CodeCancelled {
		return catalog.NewError(catalog.CodeCancelled, fmt.Sprintf("download of %s cancelled", desc.ID), false, err)
	}
	return err
}

// abortBeforeLaunch handles a Cancel that arrived after the payload was
// ready but before the process started. Nothing ran, yet the tool still ends
// Failed with reason cancelled like any other cancelled run.
func (e *Engine) abortBeforeLaunch(f *flight, desc manifest.ToolDescriptor) error {
	e.logger.Info("run cancelled before launch", "tool_id", desc.ID, "session_id", f.sessionID)
	now := e.now()
	result := status.Result{
		SessionID:  f.sessionID,
		ToolID:     desc.ID,
		Version:    desc.Version,
		Reason:     status.ReasonCancelled,
		ErrorCode:  catalog.CodeCancelled,
		Detail:     "cancelled before launch",
		StartedAt:  now,
		FinishedAt: now,
	}
	err := catalog.Errorf(catalog.CodeCancelled, "run of %s cancelled before launch", desc.ID)
	if trErr := e.tracker.Aborted(desc.ID, f.sessionID, result); trErr != nil {
		return errors.Join(err, trErr)
	}
	e.emitFinished(result)
	f.result = result
	return err
}

func (e *Engine) launchFailed(f *flight, desc manifest.ToolDescriptor, err error) {
	now := e.now()
	reason := status.ReasonLaunchFailed
	if catalog.CodeOf(err) == catalog.CodeCancelled {
		reason = status.ReasonCancelled
	}
	result := status.Result{
		SessionID:  f.sessionID,
		ToolID:     desc.ID,
		Version:    desc.Version,
		Reason:     reason,
		ErrorCode:  catalog.CodeOf(err),
		Detail:     err.Error(),
		StartedAt:  now,
		FinishedAt: now,
	}
	if trErr := e.tracker.Finished(desc.ID, result); trErr != nil {
		e.logger.Error("recording launch failure", "tool_id", desc.ID, "error", trErr)
	}
	e.emitFinished(result)
	f.result = result
}

// await records the session's terminal result once it ends.
func (e *Engine) await(f *flight, s *executor.Session) {
	<-s.Done()
	result := s.Result()
	if err := e.tracker.Finished(f.toolID, result); err != nil {
		e.logger.Error("recording session result", "tool_id", f.toolID, "session_id", f.sessionID, "error", err)
	}
	e.emitFinished(result)
	e.settle(f, result)
}

func (e *Engine) emitFinished(r status.Result) {
	payload := map[string]any{
		"duration_ms": r.Duration().Milliseconds(),
	}
	if r.ExitCode != nil {
		payload["exit_code"] = *r.ExitCode
	}
	if r.Reason != status.ReasonNone {
		payload["reason"] = string(r.Reason)
	}
	if r.ErrorCode != "" {
		payload["error_code"] = r.ErrorCode
	}
	if r.Detail != "" {
		payload["detail"] = r.Detail
	}
	e.emit(bus.Event{
		Kind:      bus.EventSessionFinished,
		ToolID:    r.ToolID,
		SessionID: r.SessionID,
		Time:      r.FinishedAt,
		Payload:   payload,
	})
}

func (e *Engine) outputHandler(toolID, sessionID string) func(status.Line) {
	return func(line status.Line) {
		e.emit(bus.Event{
			Kind:      bus.EventOutputLine,
			ToolID:    toolID,
			SessionID: sessionID,
			Time:      line.Time,
			Payload: map[string]any{
				"stream":   string(line.Stream),
				"text":     line.Text,
				"line_seq": int64(line.Seq),
			},
		})
	}
}

// Cancel stops the tool's in-flight download or session and blocks until
// its terminal state is recorded, so callers never observe Running after it
// returns. It returns catalog.ErrNotRunning when nothing is in flight.
func (e *Engine) Cancel(ctx context.Context, toolID string) (status.Result, error) {
	e.mu.Lock()
	f, ok := e.inflight[toolID]
	e.mu.Unlock()
	if !ok {
		return status.Result{}, catalog.Errorf(catalog.CodeNotRunning, "tool %s has nothing in flight", toolID)
	}

	f.stop()
	select {
	case <-f.done:
	case <-ctx.Done():
		return status.Result{}, ctx.Err()
	}
	if f.result.ToolID != "" {
		return f.result, nil
	}
	if res, ok := e.tracker.Result(toolID); ok {
		return res, nil
	}
	return f.result, nil
}

// Wait blocks until the tool's in-flight run ends and returns its result.
// With nothing in flight it returns the last recorded result, or
// catalog.ErrNotRunning when there is none.
func (e *Engine) Wait(ctx context.Context, toolID string) (status.Result, error) {
	e.mu.Lock()
	f, ok := e.inflight[toolID]
	e.mu.Unlock()
	if ok {
		select {
		case <-f.done:
		case <-ctx.Done():
			return status.Result{}, ctx.Err()
		}
	}
	if res, ok := e.tracker.Result(toolID); ok {
		return res, nil
	}
	return status.Result{}, catalog.Errorf(catalog.CodeNotRunning, "tool %s has no result", toolID)
}

// Output returns the output of the tool's active session, or of its last
// recorded result when none is running.
func (e *Engine) Output(toolID string) []status.Line {
	if s, ok := e.exec.Active(toolID); ok {
		return s.Output()
	}
	if res, ok := e.tracker.Result(toolID); ok {
		return res.Output
	}
	return nil
}

// AcknowledgeResult clears a Completed or Failed tool back to Cached, Stale
// or Available according to its cache entry. The result stays readable.
func (e *Engine) AcknowledgeResult(toolID string) (status.State, error) {
	presence := status.PresenceMissing
	if desc, err := e.descriptor(toolID); err == nil {
		presence, _ = e.presence(desc)
	}
	return e.tracker.Acknowledge(toolID, presence)
}
