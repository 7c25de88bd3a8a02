package completion

import "errors"

// Sentinel errors for the completion package.
var (
	// ErrViewGone is returned by Editor implementations for a closed view.
	ErrViewGone = errors.New("view no longer exists")

	// ErrNotDisplaying is returned when an inline action needs shown completions.
	ErrNotDisplaying = errors.New("no completion displayed")

	// ErrNoPanel is returned when a view has no open panel.
	ErrNoPanel = errors.New("no panel open")

	// ErrUnknownSolution is returned for a solution id the panel does not hold.
	ErrUnknownSolution = errors.New("unknown panel solution")

	// ErrDisabled is returned while completions are gated off.
	ErrDisabled = errors.New("completions disabled")

	// ErrClosed is returned after the manager is closed.
	ErrClosed = errors.New("completion manager closed")
)
