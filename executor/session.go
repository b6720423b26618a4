package executor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/status"
)

// maxLineBytes bounds a single output line; longer lines are split.
const maxLineBytes = 1 << 20

// Session is one supervised process.
type Session struct {
	id       string
	toolID   string
	version  string
	now      func() time.Time
	onOutput func(status.Line)

	cmd     *exec.Cmd
	pid     int
	scratch string
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	started time.Time

	stop chan status.Reason
	done chan struct{}

	mu     sync.Mutex
	seq    uint64
	lines  []status.Line
	result status.Result
}

func newSession(req Request, now func() time.Time) *Session {
	onOutput := req.OnOutput
	if onOutput == nil {
		onOutput = func(status.Line) {}
	}
	return &Session{
		id:       req.SessionID,
		toolID:   req.ToolID,
		version:  req.Version,
		now:      now,
		onOutput: onOutput,
		stop:     make(chan status.Reason, 1),
		done:     make(chan struct{}),
	}
}

func (s *Session) attach(cmd *exec.Cmd, scratch string, stdout, stderr io.ReadCloser) {
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.scratch = scratch
	s.stdout = stdout
	s.stderr = stderr
	s.started = s.now()
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ToolID returns the tool the session runs.
func (s *Session) ToolID() string { return s.toolID }

// PID returns the process id, which is also the process group id on unix.
func (s *Session) PID() int { return s.pid }

// ScratchDir returns the session's working directory. It no longer exists
// once Done is closed.
func (s *Session) ScratchDir() string { return s.scratch }

// StartedAt returns the launch time.
func (s *Session) StartedAt() time.Time { return s.started }

// Done is closed after the process is reaped and its resources released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Output returns a copy of the lines produced so far.
func (s *Session) Output() []status.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lines)
}

// Result returns the terminal result. It is only meaningful after Done.
func (s *Session) Result() status.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.result
	res.Output = slices.Clone(s.result.Output)
	return res
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (status.Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return status.Result{}, ctx.Err()
	}
}

// Cancel terminates the session and blocks until it is reaped. Cancelling a
// finished session returns its existing result.
func (s *Session) Cancel() status.Result {
	s.requestStop(status.ReasonCancelled)
	<-s.done
	return s.Result()
}

func (s *Session) requestStop(reason status.Reason) {
	select {
	case s.stop <- reason:
	default:
	}
}

// drainSlack is how long readers may keep consuming already-buffered output
// after the stop deadline before the pipes are closed under them.
const drainSlack = 50 * time.Millisecond

// supervise waits for exit, timeout or a stop request, then records the
// result, removes the scratch dir and calls release before closing done.
//
// Reaping the leader does not wait for the output readers: a descendant that
// left the process group can hold the pipes open indefinitely. Output is
// drained until the stop deadline, or for one grace period after a natural
// exit, and the pipes are then closed.
func (s *Session) supervise(timeout, grace time.Duration, release func()) {
	var readers sync.WaitGroup
	readers.Add(2)
	go s.pump(&readers, s.stdout, status.StreamStdout)
	go s.pump(&readers, s.stderr, status.StreamStderr)
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	exited := make(chan error, 1)
	go func() {
		exited <- s.cmd.Wait()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var (
		waitErr error
		reason  status.Reason
		limit   time.Time
	)
	select {
	case waitErr = <-exited:
		limit = time.Now().Add(grace)
	case <-deadline:
		reason = status.ReasonTimeout
		limit = time.Now().Add(grace)
		waitErr = s.terminate(exited, limit)
	case reason = <-s.stop:
		limit = time.Now().Add(grace)
		select {
		case waitErr = <-exited:
			// Exited on its own before the stop was handled.
			reason = status.ReasonNone
		default:
			waitErr = s.terminate(exited, limit)
		}
	}

	s.drain(drained, limit.Add(drainSlack))
	s.finish(reason, waitErr, timeout)
	_ = os.RemoveAll(s.scratch)
	release()
	close(s.done)
}

// terminate signals the group with SIGTERM, escalates to SIGKILL at limit
// and returns the Wait result of the leader.
func (s *Session) terminate(exited <-chan error, limit time.Time) error {
	_ = terminateGroup(s.cmd)
	timer := time.NewTimer(time.Until(limit))
	defer timer.Stop()
	select {
	case err := <-exited:
		// The leader is gone; sweep any children left in the group.
		_ = killGroup(s.cmd)
		return err
	case <-timer.C:
	}
	_ = killGroup(s.cmd)
	return <-exited
}

// drain waits for both readers to reach EOF until limit. Past it, whatever
// is left of the group is killed and the pipes are closed, which ends the
// readers even when an escaped descendant still holds the write ends.
func (s *Session) drain(drained <-chan struct{}, limit time.Time) {
	timer := time.NewTimer(time.Until(limit))
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		select {
		case <-drained:
		default:
			_ = killGroup(s.cmd)
		}
	}
	_ = s.stdout.Close()
	_ = s.stderr.Close()
	<-drained
}

func (s *Session) finish(reason status.Reason, waitErr error, timeout time.Duration) {
	finished := s.now()
	code, _ := exitCode(waitErr)

	res := status.Result{
		SessionID:  s.id,
		ToolID:     s.toolID,
		Version:    s.version,
		ExitCode:   status.ExitCode(code),
		Reason:     reason,
		StartedAt:  s.started,
		FinishedAt: finished,
	}
	switch {
	case reason == status.ReasonCancelled:
		res.ErrorCode = catalog.CodeCancelled
		res.Detail = "cancelled by request"
	case reason == status.ReasonTimeout:
		res.ErrorCode = catalog.CodeProcessTimeout
		res.Detail = "timed out after " + timeout.String()
	case code != 0:
		res.Reason = status.ReasonNonZeroExit
		res.ErrorCode = catalog.CodeNonZeroExit
		if waitErr != nil {
			res.Detail = waitErr.Error()
		}
	}

	s.mu.Lock()
	res.Output = slices.Clone(s.lines)
	s.result = res
	s.mu.Unlock()
}

func (s *Session) pump(wg *sync.WaitGroup, r io.Reader, stream status.Stream) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.emit(stream, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	// Drain the rest so the child never blocks on a full pipe after an
	// oversized line stopped the scanner.
	_, _ = io.Copy(io.Discard, r)
}

func (s *Session) emit(stream status.Stream, text string) {
	now := s.now()
	s.mu.Lock()
	s.seq++
	line := status.Line{
		Seq:    s.seq,
		Stream: stream,
		Time:   now,
		Offset: now.Sub(s.started),
		Text:   text,
	}
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	s.onOutput(line)
}
