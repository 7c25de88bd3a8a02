package agent

import "errors"

// Sentinel errors for the agent package.
var (
	// ErrUnknownWindow is returned when binding a view to an unregistered window.
	ErrUnknownWindow = errors.New("unknown window")

	// ErrNoUserCode is returned by SignInConfirm without a user code.
	ErrNoUserCode = errors.New("no user code")
)
