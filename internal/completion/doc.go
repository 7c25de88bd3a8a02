// Package completion implements the inline and panel completion sessions.
//
// Inline sessions move Idle to Requesting to Displaying per view. A trigger is
// debounced, then sends getCompletions (reply ignored) and
// getCompletionsCycling (reply drives the session). A reply that arrives
// after the cursor moved is discarded and re-requested a bounded number of
// times. Panel sessions stream solutions tagged with a panel id until the
// agent reports them done.
//
// Session state is owned by one executor, usually a Loop. Transport
// callbacks and timers post onto it rather than touching state directly.
package completion
