package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/keystorm-copilot/internal/logging"
	"github.com/dshills/keystorm-copilot/internal/protocol"
	"github.com/dshills/keystorm-copilot/internal/rpc"
)

// Handlers receives decoded notifications. Nil handlers are skipped.
type Handlers struct {
	LogMessage         func(LogMessage)
	Status             func(Status)
	FeatureFlags       func(FeatureFlags)
	PanelSolution      func(PanelSolution)
	PanelSolutionsDone func(PanelSolutionsDone)

	// Progress receives $/progress updates whose token matches no
	// registered prefix.
	Progress func(Progress)

	// Unrecognized receives methods outside the known set.
	Unrecognized func(Unrecognized)
}

type progressRoute struct {
	id     int
	prefix string
	fn     func(Progress)
}

// Dispatcher routes server notifications to Handlers and answers
// server-initiated requests. It is safe for concurrent use.
type Dispatcher struct {
	handlers Handlers
	logger   *slog.Logger

	mu     sync.RWMutex
	routes []progressRoute
	nextID int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger agent log lines are re-logged to.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logging.OrDiscard(l)
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(h Handlers, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: h,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch decodes a notification and hands it to its handler. Payloads that
// fail to decode are logged and dropped.
func (d *Dispatcher) Dispatch(method string, params json.RawMessage) {
	n, err := Decode(method, params)
	if err != nil {
		d.logger.Warn("dropping undecodable notification", "method", method, "error", err)
		return
	}
	d.Deliver(n)
}

// Deliver hands an already decoded notification to its handler.
func (d *Dispatcher) Deliver(n Notification) {
	h := d.handlers
	switch n := n.(type) {
	case LogMessage:
		d.logger.Log(context.Background(), SlogLevel(n.Level), "agent: "+n.Message, "metadata", n.MetadataStr)
		if h.LogMessage != nil {
			h.LogMessage(n)
		}
	case Status:
		if h.Status != nil {
			h.Status(n)
		}
	case FeatureFlags:
		if h.FeatureFlags != nil {
			h.FeatureFlags(n)
		}
	case PanelSolution:
		if h.PanelSolution != nil {
			h.PanelSolution(n)
		}
	case PanelSolutionsDone:
		if h.PanelSolutionsDone != nil {
			h.PanelSolutionsDone(n)
		}
	case Progress:
		d.progress(n)
	case Unrecognized:
		if h.Unrecognized != nil {
			h.Unrecognized(n)
			return
		}
		d.logger.Debug("ignoring unrecognized notification", "method", n.Name)
	}
}

// RegisterProgress routes $/progress updates whose token starts with prefix
// to fn. The longest matching prefix wins. The returned func unregisters.
func (d *Dispatcher) RegisterProgress(prefix string, fn func(Progress)) (unregister func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.routes = append(d.routes, progressRoute{id: id, prefix: prefix, fn: fn})
	sort.SliceStable(d.routes, func(i, j int) bool {
		return len(d.routes[i].prefix) > len(d.routes[j].prefix)
	})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, r := range d.routes {
				if r.id == id {
					d.routes = append(d.routes[:i], d.routes[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *Dispatcher) progress(p Progress) {
	d.mu.RLock()
	var fn func(Progress)
	for _, r := range d.routes {
		if strings.HasPrefix(p.Token, r.prefix) {
			fn = r.fn
			break
		}
	}
	d.mu.RUnlock()

	if fn == nil {
		fn = d.handlers.Progress
	}
	if fn == nil {
		d.logger.Debug("unrouted progress", "token", p.Token)
		return
	}
	fn(p)
}

// HandleRequest answers a server-initiated request. Known methods get an
// empty acknowledgement and workspace/configuration gets one null per
// requested item; anything else is a *rpc.Error with MethodNotFound.
func (d *Dispatcher) HandleRequest(method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodRegisterCapability,
		protocol.MethodUnregisterCapability,
		protocol.MethodWorkDoneProgressCreate:
		return nil, nil

	case protocol.MethodShowMessageRequest:
		var p protocol.ShowMessageRequestParams
		if err := unmarshal(method, params, &p); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
		}
		d.logger.Info("agent message", "type", p.Type, "message", p.Message)
		return nil, nil

	case protocol.MethodWorkspaceConfiguration:
		var p protocol.ConfigurationParams
		if err := unmarshal(method, params, &p); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
		}
		return make([]any, len(p.Items)), nil
	}

	d.logger.Debug("rejecting unknown server request", "method", method)
	return nil, &rpc.Error{
		Code:    rpc.CodeMethodNotFound,
		Message: fmt.Sprintf("method not found: %s", method),
	}
}
