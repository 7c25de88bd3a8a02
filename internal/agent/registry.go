package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/keystorm-copilot/internal/completion"
)

// WindowID identifies an editor window. Each window owns one client.
type WindowID string

// Registry maps windows to their clients and views to their windows, so UI
// objects look their session up by id instead of holding a reference to it.
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[WindowID]*Client
	views   map[completion.ViewID]WindowID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[WindowID]*Client),
		views:   make(map[completion.ViewID]WindowID),
	}
}

// Register binds c to window and returns the client it replaced, if any.
// The caller owns closing the replaced client.
func (r *Registry) Register(window WindowID, c *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.clients[window]
	r.clients[window] = c
	return prev
}

// Lookup returns the client for window.
func (r *Registry) Lookup(window WindowID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[window]
	return c, ok
}

// BindView records that view lives in window.
func (r *Registry) BindView(view completion.ViewID, window WindowID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[window]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWindow, window)
	}
	r.views[view] = window
	return nil
}

// UnbindView forgets view, as when it is destroyed.
func (r *Registry) UnbindView(view completion.ViewID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, view)
}

// ClientForView returns the client that owns view's window.
func (r *Registry) ClientForView(view completion.ViewID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	window, ok := r.views[view]
	if !ok {
		return nil, false
	}
	c, ok := r.clients[window]
	return c, ok
}

// Remove drops window and every view bound to it, returning its client.
func (r *Registry) Remove(window WindowID) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.clients[window]
	delete(r.clients, window)
	for view, w := range r.views {
		if w == window {
			delete(r.views, view)
		}
	}
	return c
}

// Windows returns the registered window ids in sorted order.
func (r *Registry) Windows() []WindowID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WindowID, 0, len(r.clients))
	for w := range r.clients {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CloseAll removes and closes every client.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[WindowID]*Client)
	r.views = make(map[completion.ViewID]WindowID)
	r.mu.Unlock()

	var errs []error
	for w, c := range clients {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", w, err))
		}
	}
	return errors.Join(errs...)
}
