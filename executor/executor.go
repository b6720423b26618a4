// Package executor launches cached tool payloads as supervised subprocesses.
//
// Each session runs in its own process group with a private scratch
// directory as its working directory. Output is streamed line by line while
// the process runs. Cancellation and timeouts terminate the whole group,
// escalating from SIGTERM to SIGKILL after a grace period, and the scratch
// directory is removed before the session reports done.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/status"
)

const (
	// DefaultModulesEnvVar names the variable carrying the shared module directory.
	DefaultModulesEnvVar = "TOOLCATALOG_MODULES"
	// ToolIDEnvVar and SessionIDEnvVar identify the session to the tool.
	ToolIDEnvVar    = "TOOLCATALOG_TOOL_ID"
	SessionIDEnvVar = "TOOLCATALOG_SESSION_ID"

	DefaultGracePeriod = 5 * time.Second
)

// DefaultInterpreters maps payload extensions to the command used to run a
// payload that is not itself executable.
func DefaultInterpreters() map[string][]string {
	return map[string][]string{
		".sh":  {"/bin/sh"},
		".py":  {"python3"},
		".ps1": {"pwsh", "-NoProfile", "-File"},
	}
}

// Config configures an Executor.
type Config struct {
	// ScratchRoot holds per-session working directories. Defaults to a
	// directory under os.TempDir.
	ScratchRoot string
	// ModulesDir is exposed to every session through ModulesEnvVar.
	ModulesDir    string
	ModulesEnvVar string
	GracePeriod   time.Duration
	// Interpreters maps a lower-case extension to an argv prefix.
	Interpreters map[string][]string
	// Env is added to the inherited environment of every session.
	Env    map[string]string
	Logger *slog.Logger
	Now    func() time.Time
}

// Request describes one launch.
type Request struct {
	SessionID   string
	ToolID      string
	Version     string
	PayloadPath string
	Args        []string
	// Timeout bounds the session's wall time. Zero means no limit.
	Timeout time.Duration
	// OnOutput receives every output line. Calls for one stream are
	// sequential and in producer order.
	OnOutput func(status.Line)
}

// Executor runs at most one session per tool id.
type Executor struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Session
}

// New validates cfg and prepares the scratch and module directories.
func New(cfg Config) (*Executor, error) {
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = filepath.Join(os.TempDir(), "toolcatalog-scratch")
	}
	if cfg.ModulesEnvVar == "" {
		cfg.ModulesEnvVar = DefaultModulesEnvVar
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.ScratchRoot, 0o700); err != nil {
		return nil, fmt.Errorf("executor: create scratch root: %w", err)
	}
	if cfg.ModulesDir != "" {
		if err := os.MkdirAll(cfg.ModulesDir, 0o755); err != nil {
			return nil, fmt.Errorf("executor: create modules dir: %w", err)
		}
	}
	return &Executor{
		cfg:    cfg,
		logger: cfg.Logger,
		active: make(map[string]*Session),
	}, nil
}

// Run launches req and returns once the process has started. ctx bounds the
// launch only; the session outlives it and ends on exit, Cancel or timeout.
func (e *Executor) Run(ctx context.Context, req Request) (*Session, error) {
	if strings.TrimSpace(req.ToolID) == "" {
		return nil, catalog.Errorf(catalog.CodeProcessLaunch, "executor: tool id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, catalog.NewError(catalog.CodeCancelled, "executor: launch cancelled", false, err)
	}

	e.mu.Lock()
	if _, busy := e.active[req.ToolID]; busy {
		e.mu.Unlock()
		return nil, catalog.Errorf(catalog.CodeToolBusy, "tool %s already has an active session", req.ToolID)
	}
	s := newSession(req, e.cfg.Now)
	e.active[req.ToolID] = s
	e.mu.Unlock()

	if err := e.launch(s, req); err != nil {
		e.release(s)
		return nil, err
	}

	e.logger.Info("session started",
		"tool_id", req.ToolID,
		"session_id", req.SessionID,
		"pid", s.pid,
	)
	go s.supervise(req.Timeout, e.cfg.GracePeriod, func() {
		e.release(s)
		e.logger.Info("session finished",
			"tool_id", req.ToolID,
			"session_id", req.SessionID,
			"reason", string(s.result.Reason),
			"duration", s.result.Duration(),
		)
	})
	return s, nil
}

// Cancel stops the active session for toolID and blocks until it is reaped.
func (e *Executor) Cancel(toolID string) (status.Result, error) {
	s, ok := e.Active(toolID)
	if !ok {
		return status.Result{}, catalog.Errorf(catalog.CodeNotRunning, "tool %s has no active session", toolID)
	}
	return s.Cancel(), nil
}

// CancelAll stops every active session and waits for all of them.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.active))
	for _, s := range e.active {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Cancel()
		}(s)
	}
	wg.Wait()
}

// Active returns the running session for toolID.
func (e *Executor) Active(toolID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.active[toolID]
	return s, ok
}

func (e *Executor) release(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[s.toolID] == s {
		delete(e.active, s.toolID)
	}
}

func (e *Executor) launch(s *Session, req Request) error {
	argv, err := e.command(req.PayloadPath)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(e.cfg.ScratchRoot, scratchPattern(req))
	if err != nil {
		return catalog.NewError(catalog.CodeProcessLaunch, "executor: create scratch dir", false, err)
	}

	// #nosec G204 -- the payload comes from the verified cache.
	cmd := exec.Command(argv[0], append(argv[1:], req.Args...)...)
	cmd.Dir = scratch
	cmd.Env = e.environ(req)
	setProcessGroup(cmd)

	// The executor owns both ends of the pipes so that reaping the process
	// never waits for the output readers.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = os.RemoveAll(scratch)
		return catalog.NewError(catalog.CodeProcessLaunch, "executor: open stdout", false, err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		_ = os.RemoveAll(scratch)
		return catalog.NewError(catalog.CodeProcessLaunch, "executor: open stderr", false, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	err = cmd.Start()
	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		_ = os.RemoveAll(scratch)
		return catalog.NewError(catalog.CodeProcessLaunch,
			fmt.Sprintf("executor: start %s", filepath.Base(req.PayloadPath)), false, err).
			WithDetails(map[string]any{"tool_id": req.ToolID, "payload": req.PayloadPath})
	}

	s.attach(cmd, scratch, stdout, stderr)
	return nil
}

// command returns the argv prefix that runs payload: the payload itself when
// executable, otherwise the interpreter mapped to its extension.
func (e *Executor) command(payload string) ([]string, error) {
	info, err := os.Stat(payload)
	if err != nil {
		return nil, catalog.NewError(catalog.CodeProcessLaunch, "executor: payload not found", false, err).
			WithDetails(map[string]any{"payload": payload})
	}
	if !info.Mode().IsRegular() {
		return nil, catalog.Errorf(catalog.CodeProcessLaunch, "executor: payload %s is not a regular file", payload)
	}
	if info.Mode().Perm()&0o111 != 0 {
		return []string{payload}, nil
	}
	ext := strings.ToLower(filepath.Ext(payload))
	if interp, ok := e.cfg.Interpreters[ext]; ok && len(interp) > 0 {
		return append(slices.Clone(interp), payload), nil
	}
	return nil, catalog.Errorf(catalog.CodeProcessLaunch,
		"executor: payload %s is not executable and no interpreter handles %q", payload, ext)
}

func (e *Executor) environ(req Request) []string {
	extra := make(map[string]string, len(e.cfg.Env)+3)
	for k, v := range e.cfg.Env {
		extra[k] = v
	}
	if e.cfg.ModulesDir != "" {
		extra[e.cfg.ModulesEnvVar] = e.cfg.ModulesDir
	}
	extra[ToolIDEnvVar] = req.ToolID
	extra[SessionIDEnvVar] = req.SessionID
	return append(os.Environ(), flattenEnv(extra)...)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func scratchPattern(req Request) string {
	id := req.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return req.ToolID + "-*"
	}
	return req.ToolID + "-" + id + "-*"
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}

// exitCode extracts the process exit code from a Wait error. A process
// killed by a signal reports -1.
func exitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return -1, false
}
