package completion

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dshills/keystorm-copilot/internal/logging"
	"github.com/dshills/keystorm-copilot/internal/protocol"
	"github.com/dshills/keystorm-copilot/internal/rpc"
)

// inlineSession is the per-view inline state. gen is bumped whenever the
// session moves on, so callbacks carrying an older gen are ignored.
type inlineSession struct {
	state       InlineState
	gen         uint64
	anchor      protocol.Position
	retries     int
	completions []Completion
	selected    int
}

// Manager runs the inline and panel completion sessions for every view.
//
// All exported methods except OnPanelSolution, OnPanelSolutionsDone,
// SetOptions and Close must be called on the executor. Responses and timer
// expiries are posted back onto the executor before they touch state, so
// the executor goroutine is the only one that reads or writes sessions.
type Manager struct {
	req      Requester
	editor   Editor
	renderer Renderer
	exec     Executor
	sched    Scheduler
	ownSched *Debouncer
	logger   *slog.Logger
	enabled  func() bool

	opts  Options
	shown *ttlcache.Cache[string, struct{}]

	inline    map[ViewID]*inlineSession
	panels    map[ViewID]*panelSession
	panelView map[string]ViewID

	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithOptions sets the initial options.
func WithOptions(o Options) Option {
	return func(m *Manager) {
		m.opts = o.Normalize()
	}
}

// WithScheduler replaces the default Debouncer.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		m.sched = s
	}
}

// WithRenderer sets the renderer.
func WithRenderer(r Renderer) Option {
	return func(m *Manager) {
		if r != nil {
			m.renderer = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.OrDiscard(l)
	}
}

// WithEnabled gates triggers, typically on the account being signed in.
func WithEnabled(fn func() bool) Option {
	return func(m *Manager) {
		if fn != nil {
			m.enabled = fn
		}
	}
}

// NewManager creates a manager. Close releases its timers.
func NewManager(req Requester, editor Editor, exec Executor, opts ...Option) *Manager {
	m := &Manager{
		req:       req,
		editor:    editor,
		exec:      exec,
		renderer:  nopRenderer{},
		logger:    logging.Discard(),
		enabled:   func() bool { return true },
		opts:      DefaultOptions(),
		inline:    make(map[ViewID]*inlineSession),
		panels:    make(map[ViewID]*panelSession),
		panelView: make(map[string]ViewID),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sched == nil {
		m.ownSched = NewDebouncer()
		m.sched = m.ownSched
	}

	m.shown = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](m.opts.ShownTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go m.shown.Start()

	return m
}

// Close stops pending timers. Responses that arrive later are ignored.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if m.ownSched != nil {
			m.ownSched.Stop()
		}
		m.shown.Stop()
	})
}

// SetOptions replaces the options from any goroutine; the change is applied
// on the executor.
func (m *Manager) SetOptions(o Options) bool {
	o = o.Normalize()
	return m.exec.Post(func() {
		m.opts = o
	})
}

// Options returns the options in effect.
func (m *Manager) Options() Options {
	return m.opts
}

// Trigger requests completions for view once the debounce window passes
// without another trigger. Shown completions are rejected first.
func (m *Manager) Trigger(view ViewID) {
	if m.closed.Load() || !m.enabled() {
		return
	}
	s := m.session(view)
	m.reset(view, s)
	gen := s.gen
	m.sched.Arm(string(view), m.opts.Debounce, func() {
		m.exec.Post(func() { m.fire(view, gen) })
	})
}

// TriggerNow requests completions for view immediately, as for an explicit
// command.
func (m *Manager) TriggerNow(view ViewID) {
	if m.closed.Load() || !m.enabled() {
		return
	}
	m.sched.Cancel(string(view))
	s := m.session(view)
	m.reset(view, s)
	m.fire(view, s.gen)
}

// fire snapshots the cursor and sends the two completion requests. Only the
// cycling response drives the session.
func (m *Manager) fire(view ViewID, gen uint64) {
	s := m.inline[view]
	if s == nil || s.gen != gen || m.closed.Load() {
		return
	}

	pos, doc, err := m.snapshot(view)
	if err != nil {
		m.forget(view, err)
		return
	}

	s.state = StateRequesting
	s.anchor = pos
	params := protocol.DocParams{Doc: doc}

	if _, err := m.req.SendRequest(protocol.MethodGetCompletions, params, nil); err != nil {
		m.logger.Debug("completion request failed", "view", view, "error", err)
		m.idle(s)
		return
	}
	if _, err := m.req.SendRequest(protocol.MethodGetCompletionsCycling, params, func(r rpc.Response) {
		m.exec.Post(func() { m.onCycling(view, gen, r) })
	}); err != nil {
		m.logger.Debug("completion request failed", "view", view, "error", err)
		m.idle(s)
	}
}

func (m *Manager) onCycling(view ViewID, gen uint64, r rpc.Response) {
	s := m.inline[view]
	if s == nil || s.gen != gen || s.state != StateRequesting || m.closed.Load() {
		return
	}
	if r.Err != nil {
		m.logger.Debug("completion request failed", "view", view, "error", r.Err)
		m.idle(s)
		return
	}

	cur, err := m.editor.Cursor(view)
	if err != nil {
		m.forget(view, err)
		return
	}
	if cur != s.anchor {
		if s.retries >= m.opts.MaxStaleRetries {
			m.logger.Debug("cursor keeps moving, giving up", "view", view, "retries", s.retries)
			m.idle(s)
			return
		}
		s.retries++
		s.gen++
		m.fire(view, s.gen)
		return
	}

	var res protocol.CompletionsResult
	if err := json.Unmarshal(r.Result, &res); err != nil {
		m.logger.Debug("bad completion result", "view", view, "error", err)
		m.idle(s)
		return
	}
	comps := DedupeByDisplayText(toCompletions(res.Completions))
	if len(comps) == 0 {
		m.idle(s)
		return
	}

	s.state = StateDisplaying
	s.completions = comps
	s.selected = 0
	m.renderInline(view, s)
	m.markShown(comps[0])
}

// Next shows the next completion. It reports whether the selection changed.
func (m *Manager) Next(view ViewID) bool {
	return m.cycle(view, 1)
}

// Previous shows the previous completion.
func (m *Manager) Previous(view ViewID) bool {
	return m.cycle(view, -1)
}

func (m *Manager) cycle(view ViewID, delta int) bool {
	s := m.inline[view]
	if s == nil || s.state != StateDisplaying {
		return false
	}
	n := len(s.completions)
	i := s.selected + delta
	if m.opts.CycleWrap {
		i = ((i % n) + n) % n
	} else {
		i = max(0, min(i, n-1))
	}
	if i == s.selected {
		return false
	}
	s.selected = i
	m.renderInline(view, s)
	m.markShown(s.completions[i])
	return true
}

// Accept inserts the selected completion and returns to Idle.
func (m *Manager) Accept(view ViewID) (Completion, error) {
	s := m.inline[view]
	if s == nil || s.state != StateDisplaying {
		return Completion{}, ErrNotDisplaying
	}
	c := s.completions[s.selected]

	if err := m.editor.Replace(view, c.ReplacementRange, c.Text); err != nil {
		if errors.Is(err, ErrViewGone) {
			m.forget(view, err)
		} else {
			m.reset(view, s)
		}
		return c, err
	}

	if m.opts.Telemetry {
		m.notify(protocol.MethodNotifyAccepted, protocol.UUIDParams{UUID: c.UUID})
		if others := uuids(s.completions, c.UUID); len(others) > 0 {
			m.notify(protocol.MethodNotifyRejected, protocol.UUIDsParams{UUIDs: others})
		}
	}
	m.idle(s)
	m.renderInline(view, s)
	return c, nil
}

// Dismiss rejects whatever is shown and cancels any pending request.
func (m *Manager) Dismiss(view ViewID) {
	m.sched.Cancel(string(view))
	if s := m.inline[view]; s != nil {
		m.reset(view, s)
	}
}

// CursorMoved dismisses shown completions once the cursor leaves the
// position they were requested at.
func (m *Manager) CursorMoved(view ViewID, pos protocol.Position) {
	s := m.inline[view]
	if s == nil || s.state != StateDisplaying || pos == s.anchor {
		return
	}
	m.Dismiss(view)
}

// ViewDeactivated rejects the view's inline completions.
func (m *Manager) ViewDeactivated(view ViewID) {
	m.Dismiss(view)
}

// ViewClosed drops every session for view.
func (m *Manager) ViewClosed(view ViewID) {
	m.Dismiss(view)
	m.ClosePanel(view)
	delete(m.inline, view)
}

// Inline returns a snapshot of the view's inline session.
func (m *Manager) Inline(view ViewID) InlineSnapshot {
	s := m.inline[view]
	if s == nil {
		return InlineSnapshot{View: view}
	}
	return m.inlineSnapshot(view, s)
}

func (m *Manager) session(view ViewID) *inlineSession {
	s, ok := m.inline[view]
	if !ok {
		s = &inlineSession{}
		m.inline[view] = s
	}
	return s
}

func (m *Manager) snapshot(view ViewID) (protocol.Position, protocol.Doc, error) {
	pos, err := m.editor.Cursor(view)
	if err != nil {
		return pos, protocol.Doc{}, err
	}
	doc, err := m.editor.Document(view)
	if err != nil {
		return pos, protocol.Doc{}, err
	}
	doc.Position = pos
	return pos, doc, nil
}

// reset rejects shown completions and returns the session to Idle.
func (m *Manager) reset(view ViewID, s *inlineSession) {
	displaying := s.state == StateDisplaying
	if displaying && m.opts.Telemetry {
		if all := uuids(s.completions, ""); len(all) > 0 {
			m.notify(protocol.MethodNotifyRejected, protocol.UUIDsParams{UUIDs: all})
		}
	}
	m.idle(s)
	if displaying {
		m.renderInline(view, s)
	}
}

// idle clears the session without telemetry.
func (m *Manager) idle(s *inlineSession) {
	s.gen++
	s.state = StateIdle
	s.completions = nil
	s.selected = 0
	s.retries = 0
}

// forget handles a view that vanished mid-session as an ordinary reset.
func (m *Manager) forget(view ViewID, err error) {
	m.logger.Debug("dropping completion session", "view", view, "error", err)
	m.sched.Cancel(string(view))
	if s := m.inline[view]; s != nil {
		m.reset(view, s)
	}
	if errors.Is(err, ErrViewGone) {
		delete(m.inline, view)
	}
}

func (m *Manager) inlineSnapshot(view ViewID, s *inlineSession) InlineSnapshot {
	return InlineSnapshot{
		View:        view,
		Anchor:      s.anchor,
		State:       s.state,
		Completions: append([]Completion(nil), s.completions...),
		Selected:    s.selected,
	}
}

func (m *Manager) renderInline(view ViewID, s *inlineSession) {
	m.renderer.RenderInline(view, m.inlineSnapshot(view, s))
}

func uuids(comps []Completion, except string) []string {
	out := make([]string, 0, len(comps))
	for _, c := range comps {
		if c.UUID == "" || c.UUID == except {
			continue
		}
		out = append(out, c.UUID)
	}
	return out
}
