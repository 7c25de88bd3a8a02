package completion

import "time"

// MinDebounce is the shortest settling window a trigger burst may use.
const MinDebounce = 300 * time.Millisecond

// Options tunes completion behavior. The zero value is usable after
// Normalize.
type Options struct {
	// Debounce is the settling window for Trigger. Values below
	// MinDebounce are raised to it.
	Debounce time.Duration

	// CycleWrap makes Next and Previous wrap around instead of clamping.
	CycleWrap bool

	// Telemetry enables notifyShown, notifyAccepted and notifyRejected.
	Telemetry bool

	// MaxStaleRetries bounds consecutive re-requests after the cursor moved
	// while a request was in flight.
	MaxStaleRetries int

	// ShownTTL is how long a shown uuid is remembered before notifyShown may
	// be sent for it again.
	ShownTTL time.Duration
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Debounce:        MinDebounce,
		CycleWrap:       true,
		Telemetry:       true,
		MaxStaleRetries: 3,
		ShownTTL:        10 * time.Minute,
	}
}

// Normalize clamps out-of-range values.
func (o Options) Normalize() Options {
	if o.Debounce < MinDebounce {
		o.Debounce = MinDebounce
	}
	if o.MaxStaleRetries < 0 {
		o.MaxStaleRetries = 0
	}
	if o.ShownTTL <= 0 {
		o.ShownTTL = DefaultOptions().ShownTTL
	}
	return o
}
