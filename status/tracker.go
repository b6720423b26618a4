package status

import (
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/toolcatalog/catalog"
)

// stateNone is the pseudo-state of a tool the tracker has never seen.
const stateNone State = ""

// legal lists the states reachable from each state. Anything else is rejected.
var legal = map[State][]State{
	stateNone:               {StateAvailable, StateCached, StateStale, StateUnavailableOffline, StateFailed},
	StateAvailable:          {StateCached, StateStale, StateFailed, StateUnavailableOffline},
	StateCached:             {StateStale, StateRunning, StateAvailable, StateFailed},
	StateStale:              {StateCached, StateRunning, StateAvailable, StateFailed},
	StateRunning:            {StateCompleted, StateFailed},
	StateCompleted:          {StateCached, StateStale, StateAvailable},
	StateFailed:             {StateCached, StateStale, StateAvailable},
	StateUnavailableOffline: {StateAvailable, StateCached, StateStale},
}

// Allowed reports whether the tracker accepts from → to.
func Allowed(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config configures a Tracker.
type Config struct {
	// OnTransition is called for every applied transition before the mutating
	// call returns. Calls for one tool arrive in order and never overlap; calls
	// for different tools may run concurrently. It runs outside the tracker
	// lock but must not change the state of the tool it is reporting.
	OnTransition func(Transition)
	Now          func() time.Time
}

// Tracker is the lifecycle state machine keyed by tool id.
type Tracker struct {
	mu           sync.Mutex
	tools        map[string]*record
	emitters     map[string]*emitter // kept across Forget
	onTransition func(Transition)
	now          func() time.Time
}

// emitter orders the delivery of one tool's transitions. queue is guarded by
// the tracker lock; mu is held while a batch is delivered.
type emitter struct {
	mu    sync.Mutex
	queue []Transition
}

type record struct {
	state     State
	sessionID string
	result    *Result
	updatedAt time.Time
}

// ToolStatus is a point-in-time view of one tool.
type ToolStatus struct {
	ToolID     string    `json:"toolId"`
	State      State     `json:"state"`
	SessionID  string    `json:"sessionId,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastResult *Result   `json:"lastResult,omitempty"`
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.OnTransition == nil {
		cfg.OnTransition = func(Transition) {}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		tools:        make(map[string]*record),
		emitters:     make(map[string]*emitter),
		onTransition: cfg.OnTransition,
		now:          cfg.Now,
	}
}

// Reconcile aligns a non-active tool with its cache presence. Running tools
// and tools holding an unacknowledged result are left alone. With offline
// set, a tool with nothing cached becomes UnavailableOffline.
func (t *Tracker) Reconcile(toolID string, presence Presence, offline bool) (State, error) {
	defer t.flush(toolID)
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.stateLocked(toolID)
	if current == StateRunning || current.Terminal() {
		return current, nil
	}
	target := presenceState(presence)
	if target == StateAvailable && offline {
		target = StateUnavailableOffline
	}
	if err := t.applyLocked(toolID, target, ReasonNone, "", nil); err != nil {
		return current, err
	}
	return target, nil
}

// Downloaded records a successful download at the manifest's version.
func (t *Tracker) Downloaded(toolID string) error {
	defer t.flush(toolID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(toolID, StateCached, ReasonNone, "", nil)
}

// DownloadFailed records a failed download as a Failed result; the tool never
// reaches Running. A download stopped by Cancel is recorded as cancelled.
func (t *Tracker) DownloadFailed(toolID, version, errorCode, detail string) error {
	defer t.flush(toolID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if from := t.stateLocked(toolID); from == StateCached {
		return illegal(toolID, from, StateFailed)
	}

	reason := ReasonDownloadFailed
	if errorCode == catalog.CodeCancelled {
		reason = ReasonCancelled
	}
	now := t.now()
	result := &Result{
		ToolID:     toolID,
		Version:    version,
		Reason:     reason,
		ErrorCode:  errorCode,
		Detail:     detail,
		StartedAt:  now,
		FinishedAt: now,
	}
	return t.applyLocked(toolID, StateFailed, reason, detail, result)
}

// Started records that a session is running.
func (t *Tracker) Started(toolID, sessionID string) error {
	defer t.flush(toolID)
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.stateLocked(toolID)
	if !Allowed(from, StateRunning) {
		return illegal(toolID, from, StateRunning)
	}
	t.recordLocked(toolID).sessionID = sessionID
	return t.applyLocked(toolID, StateRunning, ReasonNone, "", nil)
}

// Aborted records a run cancelled after its payload was ready but before the
// process started. The tool goes straight to Failed without Running.
func (t *Tracker) Aborted(toolID, sessionID string, result Result) error {
	defer t.flush(toolID)
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.stateLocked(toolID)
	if from != StateCached && from != StateStale {
		return illegal(toolID, from, StateFailed)
	}
	stored := result.clone()
	stored.ToolID = toolID
	if stored.Reason == ReasonNone {
		stored.Reason = ReasonCancelled
	}
	t.recordLocked(toolID).sessionID = sessionID
	return t.applyLocked(toolID, StateFailed, stored.Reason, stored.Detail, &stored)
}

// Finished records the terminal result of the running session: Completed for
// exit code 0, Failed otherwise.
func (t *Tracker) Finished(toolID string, result Result) error {
	defer t.flush(toolID)
	t.mu.Lock()
	defer t.mu.Unlock()

	target := StateFailed
	if result.Succeeded() {
		target = StateCompleted
	}
	if from := t.stateLocked(toolID); from != StateRunning {
		return illegal(toolID, from, target)
	}
	stored := result.clone()
	stored.ToolID = toolID
	return t.applyLocked(toolID, target, result.Reason, result.Detail, &stored)
}

// Acknowledge clears a terminal state back to Cached, Stale or Available
// according to presence. The last result stays readable.
func (t *Tracker) Acknowledge(toolID string, presence Presence) (State, error) {
	defer t.flush(toolID)
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.stateLocked(toolID)
	if !current.Terminal() {
		return current, catalog.Errorf(catalog.CodeIllegalTransition,
			"tool %s has no result to acknowledge (state %s)", toolID, displayState(current))
	}
	target := presenceState(presence)
	if err := t.applyLocked(toolID, target, ReasonNone, "", nil); err != nil {
		return current, err
	}
	return target, nil
}

// RecoverInterrupted marks a tool found Running in a previous process
// lifetime as Failed. It only applies to tools the tracker has not seen.
func (t *Tracker) RecoverInterrupted(toolID, sessionID, detail string) error {
	defer t.flush(toolID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tools[toolID]; ok {
		return catalog.Errorf(catalog.CodeIllegalTransition, "tool %s already tracked", toolID)
	}
	now := t.now()
	result := &Result{
		SessionID:  sessionID,
		ToolID:     toolID,
		Reason:     ReasonInterrupted,
		Detail:     detail,
		StartedAt:  now,
		FinishedAt: now,
	}
	return t.applyLocked(toolID, StateFailed, ReasonInterrupted, detail, result)
}

// Forget drops a tool that left the manifest. Running tools cannot be forgotten.
func (t *Tracker) Forget(toolID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.tools[toolID]
	if !ok {
		return nil
	}
	if rec.state == StateRunning {
		return catalog.Errorf(catalog.CodeIllegalTransition, "tool %s is running", toolID)
	}
	delete(t.tools, toolID)
	return nil
}

// State returns the tool's state. Unknown tools report false.
func (t *Tracker) State(toolID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.tools[toolID]
	if !ok {
		return stateNone, false
	}
	return rec.state, true
}

// Result returns the most recent terminal result for the tool.
func (t *Tracker) Result(toolID string) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.tools[toolID]
	if !ok || rec.result == nil {
		return Result{}, false
	}
	return rec.result.clone(), true
}

// Get returns a view of one tool.
func (t *Tracker) Get(toolID string) (ToolStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.tools[toolID]
	if !ok {
		return ToolStatus{}, false
	}
	return rec.view(toolID), true
}

// Snapshot returns a view of every tracked tool, sorted by id.
func (t *Tracker) Snapshot() []ToolStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ToolStatus, 0, len(t.tools))
	for id, rec := range t.tools {
		out = append(out, rec.view(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

func (r *record) view(toolID string) ToolStatus {
	st := ToolStatus{
		ToolID:    toolID,
		State:     r.state,
		SessionID: r.sessionID,
		UpdatedAt: r.updatedAt,
	}
	if r.result != nil {
		res := r.result.clone()
		st.LastResult = &res
	}
	return st
}

func (t *Tracker) stateLocked(toolID string) State {
	if rec, ok := t.tools[toolID]; ok {
		return rec.state
	}
	return stateNone
}

func (t *Tracker) recordLocked(toolID string) *record {
	rec, ok := t.tools[toolID]
	if !ok {
		rec = &record{state: stateNone}
		t.tools[toolID] = rec
	}
	return rec
}

func illegal(toolID string, from, to State) *catalog.Error {
	return catalog.Errorf(catalog.CodeIllegalTransition,
		"tool %s cannot move from %s to %s", toolID, displayState(from), displayState(to)).
		WithDetails(map[string]any{"tool_id": toolID, "from": string(from), "to": string(to)})
}

// applyLocked validates and applies from → to. A transition to the current
// state without a result is a no-op and emits nothing.
func (t *Tracker) applyLocked(toolID string, to State, reason Reason, detail string, result *Result) error {
	from := t.stateLocked(toolID)
	if from == to && result == nil {
		return nil
	}
	if !Allowed(from, to) {
		return illegal(toolID, from, to)
	}

	rec := t.recordLocked(toolID)
	now := t.now()
	rec.state = to
	rec.updatedAt = now
	if result != nil {
		rec.result = result
	}

	em, ok := t.emitters[toolID]
	if !ok {
		em = &emitter{}
		t.emitters[toolID] = em
	}
	em.queue = append(em.queue, Transition{
		ToolID:    toolID,
		From:      from,
		To:        to,
		SessionID: rec.sessionID,
		Reason:    reason,
		Detail:    detail,
		At:        now,
	})
	return nil
}

// flush delivers the tool's queued transitions. It must be called without
// the tracker lock. A caller that finds its transition already taken by an
// earlier flush waits on the emitter until that delivery is done.
func (t *Tracker) flush(toolID string) {
	t.mu.Lock()
	em, ok := t.emitters[toolID]
	t.mu.Unlock()
	if !ok {
		return
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	t.mu.Lock()
	batch := em.queue
	em.queue = nil
	t.mu.Unlock()

	for _, tr := range batch {
		t.onTransition(tr)
	}
}

func presenceState(p Presence) State {
	switch p {
	case PresenceFresh:
		return StateCached
	case PresenceStale:
		return StateStale
	default:
		return StateAvailable
	}
}

func displayState(s State) string {
	if s == stateNone {
		return "untracked"
	}
	return string(s)
}
