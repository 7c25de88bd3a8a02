package completion

import (
	"fmt"
	"time"

	"github.com/dshills/keystorm-copilot/internal/protocol"
	"github.com/dshills/keystorm-copilot/internal/rpc"
)

// ViewID identifies one editor view. Sessions are keyed by it and never
// shared between views.
type ViewID string

// InlineState is the state of a view's inline completion session.
type InlineState int

const (
	// StateIdle means nothing is cached and nothing is in flight.
	StateIdle InlineState = iota
	// StateRequesting means a cycling request is in flight.
	StateRequesting
	// StateDisplaying means completions are shown.
	StateDisplaying
)

// String returns a human-readable state name.
func (s InlineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateDisplaying:
		return "displaying"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Completion is one inline completion, annotated with where it applies in
// the buffer.
type Completion struct {
	UUID             string
	Text             string
	DisplayText      string
	InsertionPoint   protocol.Position
	ReplacementRange protocol.Range
}

// InlineSnapshot is a read-only view of an inline session.
type InlineSnapshot struct {
	View ViewID
	// Anchor is the cursor position the completions were requested for.
	Anchor      protocol.Position
	State       InlineState
	Completions []Completion
	Selected    int
}

// Current returns the selected completion.
func (s InlineSnapshot) Current() (Completion, bool) {
	if s.State != StateDisplaying || s.Selected < 0 || s.Selected >= len(s.Completions) {
		return Completion{}, false
	}
	return s.Completions[s.Selected], true
}

// PanelSolution is one retained panel solution.
type PanelSolution struct {
	SolutionID     string
	CompletionText string
	DisplayText    string
	Score          float64
	Range          protocol.Range
}

// PanelSnapshot is a read-only view of a panel session.
type PanelSnapshot struct {
	View      ViewID
	Open      bool
	PanelID   string
	Streaming bool
	// Target is the solution count the agent said it would stream.
	Target    int
	Solutions []PanelSolution
}

// Requester sends JSON-RPC requests to the agent. transport.Transport
// implements it.
type Requester interface {
	SendRequest(method string, params any, cb rpc.Callback) (int64, error)
}

// Editor is the editor-glue collaborator. Implementations return
// ErrViewGone once a view handle has vanished.
type Editor interface {
	// Document snapshots the view's buffer. The Position field is ignored.
	Document(view ViewID) (protocol.Doc, error)
	Cursor(view ViewID) (protocol.Position, error)
	Replace(view ViewID, r protocol.Range, text string) error
}

// Renderer draws session state. It is always called on the executor.
type Renderer interface {
	RenderInline(view ViewID, s InlineSnapshot)
	RenderPanel(view ViewID, s PanelSnapshot)
}

// Executor runs closures on the context that owns editor state. Post
// returns false when the executor no longer accepts work.
type Executor interface {
	Post(fn func()) bool
}

// Scheduler arms cancellable timers. Arming a key cancels any timer already
// armed for that key.
type Scheduler interface {
	Arm(key string, delay time.Duration, fn func())
	Cancel(key string)
}

type nopRenderer struct{}

func (nopRenderer) RenderInline(ViewID, InlineSnapshot) {}
func (nopRenderer) RenderPanel(ViewID, PanelSnapshot)   {}
