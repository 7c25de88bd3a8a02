package completion

import (
	"sync"
	"time"
)

// Debouncer is a keyed set of cancellable timers. Arming a key stops the
// timer previously armed for it, and a timer that was superseded never runs
// its function even if it already fired. Debouncer is safe for concurrent
// use and implements Scheduler.
type Debouncer struct {
	mu      sync.Mutex
	timers  map[string]*debounceTimer
	gen     uint64
	stopped bool
}

type debounceTimer struct {
	timer *time.Timer
	gen   uint64
}

// NewDebouncer creates an empty debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{timers: make(map[string]*debounceTimer)}
}

// Arm schedules fn to run after delay on its own goroutine, replacing any
// timer armed for key.
func (d *Debouncer) Arm(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if prev, ok := d.timers[key]; ok {
		prev.timer.Stop()
	}

	d.gen++
	gen := d.gen
	entry := &debounceTimer{gen: gen}
	entry.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		cur, ok := d.timers[key]
		if !ok || cur.gen != gen {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = entry
}

// Cancel stops the timer armed for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.timers[key]; ok {
		e.timer.Stop()
		delete(d.timers, key)
	}
}

// Pending reports whether a timer is armed for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

// Stop cancels every timer. Later calls to Arm are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, e := range d.timers {
		e.timer.Stop()
		delete(d.timers, key)
	}
}
