// Package notify decodes server-initiated messages from the agent into a
// closed set of typed notifications and routes them to handlers.
//
// Decoding happens once, when the message arrives. Methods outside the known
// set become Unrecognized and are ignored unless a fallback is registered.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dshills/keystorm-copilot/internal/protocol"
)

// Notification is one decoded server notification.
type Notification interface {
	// Method returns the wire method the notification arrived under.
	Method() string
	notification()
}

// LogMessage is a log line from the agent. Level is 0 (debug) to 3 (error).
type LogMessage struct {
	Level       int
	Message     string
	MetadataStr string
	// Window is true when the message arrived as window/logMessage.
	Window bool
}

// Status reports the agent's account or service status.
type Status struct {
	protocol.StatusNotificationParams
}

// FeatureFlags carries the agent's feature flags.
type FeatureFlags struct {
	Flags map[string]json.RawMessage
}

// Enabled reports whether flag is present and set to true.
func (f FeatureFlags) Enabled(flag string) bool {
	raw, ok := f.Flags[flag]
	if !ok {
		return false
	}
	var v bool
	return json.Unmarshal(raw, &v) == nil && v
}

// PanelSolution is one streamed panel solution.
type PanelSolution struct {
	protocol.PanelSolutionParams
}

// PanelSolutionsDone ends a panel stream.
type PanelSolutionsDone struct {
	protocol.PanelSolutionsDoneParams
}

// Progress is a $/progress update.
type Progress struct {
	protocol.ProgressParams
}

// Unrecognized is any method outside the known set.
type Unrecognized struct {
	Name   string
	Params json.RawMessage
}

// Method returns window/logMessage for window-scoped messages and
// LogMessage otherwise.
func (m LogMessage) Method() string {
	if m.Window {
		return protocol.MethodWindowLogMessage
	}
	return protocol.MethodLogMessage
}

// Method returns statusNotification.
func (Status) Method() string { return protocol.MethodStatusNotification }

// Method returns featureFlagsNotification.
func (FeatureFlags) Method() string { return protocol.MethodFeatureFlags }

// Method returns PanelSolution.
func (PanelSolution) Method() string { return protocol.MethodPanelSolution }

// Method returns PanelSolutionsDone.
func (PanelSolutionsDone) Method() string { return protocol.MethodPanelSolutionsDone }

// Method returns $/progress.
func (Progress) Method() string { return protocol.MethodProgress }

// Method returns the method name as received.
func (u Unrecognized) Method() string { return u.Name }

func (LogMessage) notification()         {}
func (Status) notification()             {}
func (FeatureFlags) notification()       {}
func (PanelSolution) notification()      {}
func (PanelSolutionsDone) notification() {}
func (Progress) notification()           {}
func (Unrecognized) notification()       {}

// Decode resolves method to its notification type and decodes params into
// it. Unknown methods decode to Unrecognized without error.
func Decode(method string, params json.RawMessage) (Notification, error) {
	switch method {
	case protocol.MethodLogMessage:
		var p protocol.LogMessageParams
		if err := unmarshal(method, params, &p); err != nil {
			return nil, err
		}
		return LogMessage{Level: p.Level, Message: p.Message, MetadataStr: p.MetadataStr}, nil

	case protocol.MethodWindowLogMessage:
		var p protocol.WindowLogMessageParams
		if err := unmarshal(method, params, &p); err != nil {
			return nil, err
		}
		return LogMessage{Level: windowLevel(p.Type), Message: p.Message, Window: true}, nil

	case protocol.MethodStatusNotification:
		var n Status
		if err := unmarshal(method, params, &n.StatusNotificationParams); err != nil {
			return nil, err
		}
		return n, nil

	case protocol.MethodFeatureFlags:
		n := FeatureFlags{Flags: map[string]json.RawMessage{}}
		if err := unmarshal(method, params, &n.Flags); err != nil {
			return nil, err
		}
		return n, nil

	case protocol.MethodPanelSolution:
		var n PanelSolution
		if err := unmarshal(method, params, &n.PanelSolutionParams); err != nil {
			return nil, err
		}
		return n, nil

	case protocol.MethodPanelSolutionsDone:
		var n PanelSolutionsDone
		if err := unmarshal(method, params, &n.PanelSolutionsDoneParams); err != nil {
			return nil, err
		}
		return n, nil

	case protocol.MethodProgress:
		var n Progress
		if err := unmarshal(method, params, &n.ProgressParams); err != nil {
			return nil, err
		}
		return n, nil
	}
	return Unrecognized{Name: method, Params: params}, nil
}

func unmarshal(method string, params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

// windowLevel maps an LSP MessageType (1 error .. 4 log) onto the agent's
// 0..3 scale.
func windowLevel(t int) int {
	switch t {
	case 1:
		return 3
	case 2:
		return 2
	case 3:
		return 1
	default:
		return 0
	}
}

// SlogLevel maps an agent log level onto slog.
func SlogLevel(level int) slog.Level {
	switch {
	case level <= 0:
		return slog.LevelDebug
	case level == 1:
		return slog.LevelInfo
	case level == 2:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
