package completion

import (
	"github.com/dshills/keystorm-copilot/internal/protocol"
)

// markShown sends notifyShown the first time uuid is displayed within the
// shown TTL.
func (m *Manager) markShown(c Completion) {
	if !m.opts.Telemetry || c.UUID == "" {
		return
	}
	if m.shown.Get(c.UUID) != nil {
		return
	}
	m.shown.Set(c.UUID, struct{}{}, m.opts.ShownTTL)
	m.notify(protocol.MethodNotifyShown, protocol.UUIDParams{UUID: c.UUID})
}

// notify sends a telemetry request whose reply is ignored.
func (m *Manager) notify(method string, params any) {
	if _, err := m.req.SendRequest(method, params, nil); err != nil {
		m.logger.Debug("telemetry dropped", "method", method, "error", err)
	}
}
