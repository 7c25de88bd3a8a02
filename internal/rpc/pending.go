package rpc

import (
	"encoding/json"
	"sync"
	"time"
)

// Response is what a pending request resolves with: the raw result on
// success, or Err (an *Error from the agent, ErrTransportClosed, or
// ErrRequestTimeout).
type Response struct {
	ID     int64
	Result json.RawMessage
	Err    error
}

// Callback receives the single resolution of a request.
type Callback func(Response)

// PendingRequest is a request waiting for its response.
type PendingRequest struct {
	ID        int64
	Method    string
	Callback  Callback
	CreatedAt time.Time

	timer *time.Timer
}

// Table correlates outgoing request ids with their callbacks. Every
// allocated entry is resolved exactly once: by a response, by Expire, or
// by DropAll. Table is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*PendingRequest
	closed  error

	timeout time.Duration
	now     func() time.Time
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithRequestTimeout expires requests that get no response within d.
// Zero disables the timeout.
func WithRequestTimeout(d time.Duration) TableOption {
	return func(t *Table) {
		t.timeout = d
	}
}

// NewTable creates an empty correlation table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		pending: make(map[int64]*PendingRequest),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allocate registers cb under a fresh id. Ids start at 1 and increase
// monotonically. After DropAll, Allocate fails with the close reason.
func (t *Table) Allocate(method string, cb Callback) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return 0, t.closed
	}

	t.nextID++
	id := t.nextID
	p := &PendingRequest{
		ID:        id,
		Method:    method,
		Callback:  cb,
		CreatedAt: t.now(),
	}
	if t.timeout > 0 {
		p.timer = time.AfterFunc(t.timeout, func() {
			t.Expire(id, ErrRequestTimeout)
		})
	}
	t.pending[id] = p
	return id, nil
}

// Resolve delivers resp to the request with the given id. It returns false
// when the id is unknown, either already resolved or never allocated.
func (t *Table) Resolve(id int64, resp Response) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	resp.ID = id
	p.invoke(resp)
	return true
}

// Expire resolves the request with err instead of a response.
func (t *Table) Expire(id int64, err error) bool {
	return t.Resolve(id, Response{Err: err})
}

// Remove forgets a request without invoking its callback. It is used when
// the request could not be sent and the caller was told synchronously.
func (t *Table) Remove(id int64) bool {
	return t.take(id) != nil
}

// DropAll resolves every pending request with reason and refuses further
// allocations. It returns how many requests were resolved.
func (t *Table) DropAll(reason error) int {
	if reason == nil {
		reason = ErrTransportClosed
	}

	t.mu.Lock()
	if t.closed == nil {
		t.closed = reason
	}
	dropped := make([]*PendingRequest, 0, len(t.pending))
	for id, p := range t.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		dropped = append(dropped, p)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, p := range dropped {
		p.invoke(Response{ID: p.ID, Err: reason})
	}
	return len(dropped)
}

// Lookup returns a copy of the pending request for id.
func (t *Table) Lookup(id int64) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	return *p, true
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) take(id int64) *PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (p *PendingRequest) invoke(resp Response) {
	if p.Callback != nil {
		p.Callback(resp)
	}
}
