// Package status owns the per-tool lifecycle state machine. It is the single
// source of truth for whether a tool is cached, stale, running or finished,
// and it keeps the immutable result of each tool's most recent session.
package status

import (
	"slices"
	"time"
)

// State is a tool lifecycle state.
type State string

const (
	// StateAvailable means the tool is known from the manifest but not cached.
	StateAvailable State = "available"
	// StateCached means the payload is cached at the manifest's version.
	StateCached State = "cached"
	// StateStale means a payload is cached at a different version.
	StateStale State = "stale"
	// StateRunning means a session is active.
	StateRunning State = "running"
	// StateCompleted means the last session exited 0.
	StateCompleted State = "completed"
	// StateFailed means the last session or download failed.
	StateFailed State = "failed"
	// StateUnavailableOffline means no manifest source is reachable and
	// nothing is cached for the tool.
	StateUnavailableOffline State = "unavailable_offline"
)

// Terminal reports whether s holds a result awaiting acknowledgement.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Reason explains a Failed result.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonCancelled      Reason = "cancelled"
	ReasonTimeout        Reason = "timeout"
	ReasonNonZeroExit    Reason = "non_zero_exit"
	ReasonLaunchFailed   Reason = "launch_failed"
	ReasonDownloadFailed Reason = "download_failed"
	ReasonInterrupted    Reason = "interrupted"
)

// Presence is the cache situation of a tool relative to the current manifest.
type Presence int

const (
	// PresenceMissing means there is no valid cache entry.
	PresenceMissing Presence = iota
	// PresenceFresh means the cached version matches the manifest.
	PresenceFresh
	// PresenceStale means the cached version differs from the manifest.
	PresenceStale
)

// Stream identifies an output stream.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one line of session output.
type Line struct {
	Seq    uint64        `json:"seq"`
	Stream Stream        `json:"stream"`
	Time   time.Time     `json:"time"`
	Offset time.Duration `json:"offset"`
	Text   string        `json:"text"`
}

// Result is the immutable outcome of one session or failed download.
type Result struct {
	SessionID  string    `json:"sessionId,omitempty"`
	ToolID     string    `json:"toolId"`
	Version    string    `json:"version,omitempty"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	Reason     Reason    `json:"reason,omitempty"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Output     []Line    `json:"output,omitempty"`
}

// Succeeded reports whether the session exited 0 with no failure reason.
func (r Result) Succeeded() bool {
	return r.Reason == ReasonNone && r.ExitCode != nil && *r.ExitCode == 0
}

// Duration returns the wall time of the session.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r Result) clone() Result {
	out := r
	out.Output = slices.Clone(r.Output)
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	return out
}

// ExitCode returns a pointer to code, for building Results.
func ExitCode(code int) *int {
	return &code
}

// Transition records one applied state change. From is empty for a tool the
// tracker had not seen before.
type Transition struct {
	ToolID    string    `json:"toolId"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	SessionID string    `json:"sessionId,omitempty"`
	Reason    Reason    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
