package completion

import (
	"context"
	"log/slog"

	"github.com/dshills/keystorm-copilot/internal/logging"
	"github.com/dshills/keystorm-copilot/internal/queue"
)

// Loop is a single-consumer work queue. Reader and timer goroutines Post
// closures; the goroutine running Run executes them in order, which makes it
// the only context that touches editor and session state.
type Loop struct {
	q      *queue.Queue[func()]
	logger *slog.Logger
}

// NewLoop creates a loop. A nil logger discards.
func NewLoop(logger *slog.Logger) *Loop {
	return &Loop{
		q:      queue.New[func()](),
		logger: logging.OrDiscard(logger),
	}
}

// Post enqueues fn. It returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	return l.q.Push(fn)
}

// Run executes posted closures until ctx is done or the loop is closed and
// drained.
func (l *Loop) Run(ctx context.Context) error {
	for {
		fn, ok := l.q.Pop(ctx)
		if !ok {
			return ctx.Err()
		}
		l.exec(fn)
	}
}

// Drain runs the closures queued right now, plus any they post, without
// blocking. It returns how many ran.
func (l *Loop) Drain() int {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := 0
	for {
		fn, ok := l.q.Pop(ctx)
		if !ok {
			return n
		}
		l.exec(fn)
		n++
	}
}

// Close stops accepting work. Queued closures still run.
func (l *Loop) Close() {
	l.q.Close()
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("completion loop task panicked", "panic", r)
		}
	}()
	fn()
}
