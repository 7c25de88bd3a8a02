package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/keystorm-copilot/internal/integration/process"
	"github.com/dshills/keystorm-copilot/internal/logging"
	"github.com/dshills/keystorm-copilot/internal/queue"
	"github.com/dshills/keystorm-copilot/internal/rpc"
)

// State is the lifecycle state of a transport.
type State int32

const (
	// StateNotStarted is the state before the pumps are running.
	StateNotStarted State = iota
	// StateRunning means the process is up and all pumps are started.
	StateRunning
	// StateClosing means a close was requested or a pump saw the stream end.
	StateClosing
	// StateClosed means the process was reaped and all pumps joined.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PayloadHandler receives server-initiated requests and notifications.
// msg.Kind tells them apart; requests carry an ID and expect a Reply.
type PayloadHandler func(method string, msg *rpc.Message)

// CloseHandler is invoked exactly once after the transport has closed.
// err is nil for an orderly close or end of stream.
type CloseHandler func(exitCode int, err error)

// StderrHandler receives the agent's stderr, one line at a time.
type StderrHandler func(line string)

// Transport multiplexes JSON-RPC requests and notifications over the stdio
// of one agent process.
//
// Three goroutines serve it: the reader pump decodes frames and resolves
// pending requests, the writer pump drains the outbound queue, and the
// stderr pump forwards diagnostics. Send and SendRequest never block.
type Transport struct {
	name string
	proc *process.Process

	dec     *rpc.Decoder
	out     io.WriteCloser
	stderr  io.Reader
	closers []io.Closer

	pending *rpc.Table
	outbox  *queue.Queue[rpc.Message]

	onPayload PayloadHandler
	onClose   CloseHandler
	onStderr  StderrHandler
	logger    *slog.Logger

	requestTimeout time.Duration
	shutdownGrace  time.Duration
	maxFrame       int

	state    atomic.Int32
	pumps    errgroup.Group
	stop     chan struct{}
	stopOnce sync.Once
	joined   chan struct{}
	done     chan struct{}
	// closeCb is set while the close handler runs.
	closeCb atomic.Bool

	mu       sync.Mutex
	exitCode int
	err      error
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logging.OrDiscard(l)
	}
}

// WithPayloadHandler sets the handler for server-initiated messages.
func WithPayloadHandler(h PayloadHandler) Option {
	return func(t *Transport) {
		t.onPayload = h
	}
}

// WithCloseHandler sets the close callback.
func WithCloseHandler(h CloseHandler) Option {
	return func(t *Transport) {
		t.onClose = h
	}
}

// WithStderrHandler sets the stderr line callback.
func WithStderrHandler(h StderrHandler) Option {
	return func(t *Transport) {
		t.onStderr = h
	}
}

// WithRequestTimeout resolves requests with rpc.ErrRequestTimeout when no
// response arrives within d. Zero waits forever.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.requestTimeout = d
	}
}

// WithShutdownGrace sets how long Close waits at each shutdown stage
// before escalating (stdin close, SIGTERM, SIGKILL).
func WithShutdownGrace(d time.Duration) Option {
	return func(t *Transport) {
		t.shutdownGrace = d
	}
}

// WithMaxFrameSize sets the largest inbound frame body. A larger
// Content-Length closes the transport with ErrBrokenPipe.
func WithMaxFrameSize(n int) Option {
	return func(t *Transport) {
		t.maxFrame = n
	}
}

// WithName sets the name used in logs and for the child process.
func WithName(name string) Option {
	return func(t *Transport) {
		t.name = name
	}
}

func newTransport(opts []Option) *Transport {
	t := &Transport{
		name:          "agent",
		logger:        logging.Discard(),
		shutdownGrace: 2 * time.Second,
		outbox:        queue.New[rpc.Message](),
		stop:          make(chan struct{}),
		joined:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.pending = rpc.NewTable(rpc.WithRequestTimeout(t.requestTimeout))
	t.state.Store(int32(StateNotStarted))
	return t
}

// Start spawns the agent and starts the pumps. A failure to spawn is
// returned as *process.SpawnError.
func Start(cmd process.Command, opts ...Option) (*Transport, error) {
	t := newTransport(opts)

	proc, err := process.Start(t.name, cmd)
	if err != nil {
		return nil, err
	}

	t.proc = proc
	t.dec = rpc.NewDecoder(proc.Stdout, rpc.WithMaxFrameSize(t.maxFrame))
	t.out = proc.Stdin
	t.stderr = proc.Stderr
	t.logger = t.logger.With("agent", t.name, "pid", proc.PID())
	t.run()

	t.logger.Info("agent started", "command", cmd.String())
	return t, nil
}

// New runs a transport over existing streams instead of a child process.
// stdout is what the agent writes, stdin is what the agent reads; stderr
// may be nil. Readers that implement io.Closer are closed on shutdown.
func New(stdout io.Reader, stdin io.WriteCloser, stderr io.Reader, opts ...Option) *Transport {
	t := newTransport(opts)
	t.dec = rpc.NewDecoder(stdout, rpc.WithMaxFrameSize(t.maxFrame))
	t.out = stdin
	t.stderr = stderr
	for _, r := range []io.Reader{stdout, stderr} {
		if c, ok := r.(io.Closer); ok {
			t.closers = append(t.closers, c)
		}
	}
	t.run()
	return t
}

func (t *Transport) run() {
	t.state.Store(int32(StateRunning))
	t.pumps.Go(t.pump("reader", t.readPump))
	t.pumps.Go(t.pump("writer", t.writePump))
	if t.stderr != nil {
		t.pumps.Go(t.pump("stderr", t.stderrPump))
	}
	go t.supervise()
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Done is closed once the transport has fully closed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the fault that closed the transport, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// ExitCode returns the agent's exit code once closed, or -1.
func (t *Transport) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != StateClosed {
		return -1
	}
	return t.exitCode
}

// Pending returns the number of requests awaiting a response.
func (t *Transport) Pending() int {
	return t.pending.Len()
}

// Send enqueues a pre-built message.
func (t *Transport) Send(msg rpc.Message) error {
	if t.State() != StateRunning {
		return ErrClosed
	}
	if !t.outbox.Push(msg) {
		return ErrClosed
	}
	return nil
}

// SendNotification builds and enqueues a notification.
func (t *Transport) SendNotification(method string, params any) error {
	msg, err := rpc.BuildNotification(method, params)
	if err != nil {
		return err
	}
	return t.Send(msg)
}

// SendRequest allocates an id, registers cb under it, and enqueues the
// request. cb is invoked exactly once: with the response, with
// rpc.ErrRequestTimeout, or with rpc.ErrTransportClosed. It may run on the
// reader goroutine, so it must not touch editor state directly. A nil cb
// makes the request fire-and-forget.
func (t *Transport) SendRequest(method string, params any, cb rpc.Callback) (int64, error) {
	if t.State() != StateRunning {
		return 0, ErrClosed
	}

	id, err := t.pending.Allocate(method, t.guard(cb))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	msg, err := rpc.BuildRequest(method, rpc.IntID(id), params)
	if err != nil {
		t.pending.Remove(id)
		return 0, err
	}

	if !t.outbox.Push(msg) {
		if t.pending.Remove(id) {
			return 0, ErrClosed
		}
		// Already resolved by the close path.
		return id, nil
	}
	return id, nil
}

// Reply answers a server-initiated request.
func (t *Transport) Reply(id rpc.ID, result any) error {
	msg, err := rpc.BuildResponse(id, result)
	if err != nil {
		return err
	}
	return t.Send(msg)
}

// ReplyError answers a server-initiated request with an error.
func (t *Transport) ReplyError(id rpc.ID, code int, data any) error {
	msg, err := rpc.BuildError(id, code, data)
	if err != nil {
		return err
	}
	return t.Send(msg)
}

// Close shuts the transport down: queued messages are flushed, stdin is
// closed, and the agent gets a grace period before it is terminated and
// then killed. Close returns once every pump has returned, the agent has
// been reaped and the close handler has run. Close is idempotent. Called
// from the close handler it returns without waiting for the handler.
// Payload, reply and stderr callbacks run on a pump and must call Shutdown
// instead.
func (t *Transport) Close() error {
	t.shutdown()
	<-t.joined
	if !t.closeCb.Load() {
		<-t.done
	}
	return nil
}

// Shutdown starts the close sequence without waiting for it. Done reports
// completion.
func (t *Transport) Shutdown() {
	t.shutdown()
}

// shutdown starts the close sequence. Any pump may call it.
func (t *Transport) shutdown() {
	t.state.CompareAndSwap(int32(StateRunning), int32(StateClosing))
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Transport) closing() bool {
	return t.State() >= StateClosing
}

// supervise runs the shutdown sequence once a pump or Close asks for it.
func (t *Transport) supervise() {
	<-t.stop
	t.logger.Debug("transport closing")

	// The writer drains what is queued, then closes the agent's stdin.
	t.outbox.Close()

	joined := make(chan error, 1)
	go func() { joined <- t.pumps.Wait() }()

	if t.proc != nil {
		t.proc.Stop(t.shutdownGrace)
	} else {
		for _, c := range t.closers {
			_ = c.Close()
		}
	}

	var err error
	select {
	case err = <-joined:
	case <-time.After(t.shutdownGrace):
		t.logger.Warn("pumps still running after shutdown grace, closing streams")
		t.forceClose()
		err = <-joined
	}

	exitCode := 0
	if t.proc != nil {
		_ = t.proc.Close()
		exitCode = t.proc.ExitCode()
	}

	dropped := t.pending.DropAll(rpc.ErrTransportClosed)

	t.mu.Lock()
	t.exitCode = exitCode
	t.err = err
	t.mu.Unlock()
	t.state.Store(int32(StateClosed))
	close(t.joined)

	t.logger.Info("transport closed", "exit_code", exitCode, "dropped_requests", dropped, "error", err)

	if t.onClose != nil {
		t.closeCb.Store(true)
		t.callback(func() { t.onClose(exitCode, err) })
		t.closeCb.Store(false)
	}
	close(t.done)
}

func (t *Transport) forceClose() {
	if t.proc != nil {
		_ = t.proc.Close()
		return
	}
	_ = t.out.Close()
	for _, c := range t.closers {
		_ = c.Close()
	}
}

// readPump decodes frames until the stream ends. Malformed frames are
// skipped; a read failure closes the transport.
func (t *Transport) readPump() error {
	defer t.shutdown()

	for {
		raw, err := t.dec.Decode()
		if err != nil {
			if errors.Is(err, rpc.ErrEndOfStream) {
				t.logger.Debug("agent stdout reached end of stream")
				return nil
			}
			var fde *rpc.FrameDecodeError
			if errors.As(err, &fde) {
				t.logger.Warn("skipping malformed frame", "error", err)
				continue
			}
			if t.closing() || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("%w: read: %w", ErrBrokenPipe, err)
		}
		t.route(raw)
	}
}

// route hands a decoded frame to the correlation table or the payload
// handler. Responses are probed with gjson so only server-initiated
// messages pay for a full decode.
func (t *Transport) route(raw json.RawMessage) {
	probe := gjson.ParseBytes(raw)

	if probe.Get("method").Exists() {
		msg, err := rpc.Parse(raw)
		if err != nil {
			t.logger.Warn("dropping invalid message", "error", err)
			return
		}
		if t.onPayload == nil {
			return
		}
		t.callback(func() { t.onPayload(msg.Method, msg) })
		return
	}

	id := probe.Get("id")
	if !id.Exists() {
		t.logger.Warn("dropping message without id or method", "body", string(raw))
		return
	}
	if id.Type != gjson.Number || float64(id.Int()) != id.Num {
		t.logger.Warn("unmatched response id", "id", id.Raw)
		return
	}

	var resp rpc.Response
	if e := probe.Get("error"); e.Exists() && e.Type != gjson.Null {
		rpcErr := &rpc.Error{}
		if err := json.Unmarshal([]byte(e.Raw), rpcErr); err != nil {
			rpcErr = &rpc.Error{Code: rpc.CodeInternalError, Message: e.Raw}
		}
		resp.Err = rpcErr
	} else if r := probe.Get("result"); r.Exists() {
		resp.Result = json.RawMessage(r.Raw)
	} else {
		t.logger.Warn("dropping response without result or error", "id", id.Raw)
		return
	}

	if !t.pending.Resolve(id.Int(), resp) {
		t.logger.Warn("unmatched response id", "id", id.Raw)
	}
}

// writePump writes queued messages in order, flushing after each one.
func (t *Transport) writePump() error {
	defer t.shutdown()
	defer func() {
		if err := t.out.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			t.logger.Debug("close agent stdin", "error", err)
		}
	}()

	w := bufio.NewWriter(t.out)
	for {
		msg, ok := t.outbox.Pop(context.Background())
		if !ok {
			return nil
		}

		frame, err := rpc.Encode(msg)
		if err != nil {
			t.logger.Error("dropping unencodable message", "method", msg.Method, "error", err)
			if id, isInt := msg.ID.Int(); isInt && msg.Kind == rpc.KindRequest {
				t.pending.Expire(id, err)
			}
			continue
		}

		if _, err = w.Write(frame); err == nil {
			err = w.Flush()
		}
		if err != nil {
			if t.closing() {
				return nil
			}
			return fmt.Errorf("%w: write: %v", ErrBrokenPipe, err)
		}
	}
}

// maxStderrLine bounds one forwarded stderr line; the rest of a longer
// line is read and discarded.
const maxStderrLine = 64 * 1024

// stderrPump forwards stderr lines until the stream ends. Its end does not
// affect the transport.
func (t *Transport) stderrPump() error {
	r := bufio.NewReaderSize(t.stderr, 4096)
	var line []byte
	truncated := false
	for {
		chunk, more, err := r.ReadLine()
		if err != nil {
			if len(line) > 0 {
				t.forwardStderr(string(line), truncated)
			}
			if !errors.Is(err, io.EOF) && !t.closing() {
				t.logger.Debug("agent stderr read failed", "error", err)
			}
			return nil
		}
		if room := maxStderrLine - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if more {
			continue
		}
		t.forwardStderr(string(line), truncated)
		line = line[:0]
		truncated = false
	}
}

func (t *Transport) forwardStderr(line string, truncated bool) {
	t.logger.Debug("agent stderr", "line", line, "truncated", truncated)
	if t.onStderr != nil {
		t.callback(func() { t.onStderr(line) })
	}
}

// pump wraps a pump so a panic ends it with an error and closes the
// transport instead of crashing the process.
func (t *Transport) pump(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("transport pump panicked", "pump", name, "panic", r)
				err = fmt.Errorf("%s pump panicked: %v", name, r)
				t.shutdown()
			}
		}()
		return fn()
	}
}

// guard wraps a request callback so it runs through callback.
func (t *Transport) guard(cb rpc.Callback) rpc.Callback {
	if cb == nil {
		return nil
	}
	return func(r rpc.Response) {
		t.callback(func() { cb(r) })
	}
}

// callback runs fn, recovering panics so they cannot take down a pump.
func (t *Transport) callback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("transport callback panicked", "panic", r)
		}
	}()
	fn()
}
