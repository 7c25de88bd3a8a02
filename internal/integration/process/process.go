package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// State represents the state of a process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited normally or with an error.
	StateExited
	// StateKilled indicates the process was killed by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Command describes how to spawn the agent process.
type Command struct {
	// Path is the executable (for example "node").
	Path string

	// Args follow the executable (for example the server entry script).
	Args []string

	// Dir is the working directory; empty means the current directory.
	Dir string

	// Env overrides or extends the inherited environment.
	Env map[string]string
}

// String returns the command line for logging.
func (c Command) String() string {
	s := c.Path
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// SpawnError reports that the child process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Process is a managed child process with piped stdio.
//
// The pipes are created with os.Pipe rather than exec.Cmd's pipe helpers,
// so waiting on the process never closes the parent's ends underneath a
// reader that is still draining stdout. Process is safe for concurrent use.
type Process struct {
	// ID is the unique identifier for this process.
	ID string

	// Name is a human-readable name for the process.
	Name string

	// Stdin is the write end of the child's stdin.
	Stdin io.WriteCloser

	// Stdout is the read end of the child's stdout.
	Stdout io.ReadCloser

	// Stderr is the read end of the child's stderr.
	Stderr io.ReadCloser

	// Started is the time the process was started.
	Started time.Time

	cmd      *exec.Cmd
	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error
}

// Start spawns the command with piped stdin, stdout, and stderr.
// Failures are reported as *SpawnError.
func Start(name string, c Command) (*Process, error) {
	if c.Path == "" {
		return nil, &SpawnError{Command: name, Err: ErrNoCommand}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	p := &Process{
		ID:   uuid.NewString(),
		Name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)

	var childEnds, parentEnds []*os.File
	cleanup := func() {
		for _, f := range append(childEnds, parentEnds...) {
			_ = f.Close()
		}
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: c.String(), Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	childEnds, parentEnds = append(childEnds, stdinR), append(parentEnds, stdinW)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, &SpawnError{Command: c.String(), Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	childEnds, parentEnds = append(childEnds, stdoutW), append(parentEnds, stdoutR)

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		cleanup()
		return nil, &SpawnError{Command: c.String(), Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	childEnds, parentEnds = append(childEnds, stderrW), append(parentEnds, stderrR)

	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &SpawnError{Command: c.String(), Err: err}
	}

	// The child holds its own copies now.
	for _, f := range childEnds {
		_ = f.Close()
	}

	p.Stdin, p.Stdout, p.Stderr = stdinW, stdoutR, stderrR
	p.Started = time.Now()
	p.state.Store(int32(StateRunning))

	go p.waitLoop()

	return p, nil
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the process exit code.
// Returns -1 if the process has not exited.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns any error from waiting on the process.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns the wait error.
func (p *Process) Wait() error {
	<-p.done
	return p.ExitError()
}

// IsRunning returns true if the process is currently running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// HasExited returns true if the process has exited (normally or killed).
func (p *Process) HasExited() bool {
	state := p.State()
	return state == StateExited || state == StateKilled
}

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Signal sends a signal to the process.
func (p *Process) Signal(sig os.Signal) error {
	if !p.IsRunning() {
		return fmt.Errorf("process not running: %w", ErrProcessNotStarted)
	}
	return p.cmd.Process.Signal(sig)
}

// Kill sends SIGKILL to the process.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Terminate sends SIGTERM to the process.
func (p *Process) Terminate() error {
	return p.Signal(syscall.SIGTERM)
}

// Stop waits up to grace for the process to exit on its own (typically
// after its stdin was closed), then sends SIGTERM and waits another grace
// period, then kills it. Stop returns once the process has exited.
func (p *Process) Stop(grace time.Duration) {
	if p.waitFor(grace) {
		return
	}
	_ = p.Terminate()
	if p.waitFor(grace) {
		return
	}
	_ = p.Kill()
	<-p.done
}

func (p *Process) waitFor(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// waitLoop waits for the process to exit and records how it ended.
func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	exitCode := 0
	state := StateExited

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				state = StateKilled
			}
		} else {
			exitCode = -1
		}
	}

	p.exitCode.Store(int32(exitCode))
	p.state.Store(int32(state))
	close(p.done)
}

// Close closes the parent's ends of the stdio pipes.
// This does not kill the process.
func (p *Process) Close() error {
	var errs []error
	for _, c := range []io.Closer{p.Stdin, p.Stdout, p.Stderr} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close process I/O: %w", errors.Join(errs...))
	}
	return nil
}

// Runtime returns how long the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}

// Sentinel errors for process package.
var (
	// ErrProcessNotStarted is returned when operations require a started process.
	ErrProcessNotStarted = errors.New("process not started")

	// ErrNoCommand is returned when no executable is configured.
	ErrNoCommand = errors.New("no command configured")
)
