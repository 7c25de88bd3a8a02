package completion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/keystorm-copilot/internal/protocol"
	"github.com/dshills/keystorm-copilot/internal/rpc"
)

type panelSession struct {
	id        string
	streaming bool
	target    int
	solutions []PanelSolution
}

// OpenPanel asks the agent for a batch of solutions under a fresh panel id.
// Any panel already open for view is discarded.
func (m *Manager) OpenPanel(view ViewID) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}
	if !m.enabled() {
		return "", ErrDisabled
	}
	m.ClosePanel(view)

	_, doc, err := m.snapshot(view)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(protocol.DocParams{Doc: doc})
	if err != nil {
		return "", fmt.Errorf("encode panel params: %w", err)
	}
	id := uuid.NewString()
	raw, err = sjson.SetBytes(raw, "panelId", id)
	if err != nil {
		return "", fmt.Errorf("encode panel params: %w", err)
	}

	p := &panelSession{id: id, streaming: true}
	m.panels[view] = p
	m.panelView[id] = view

	if _, err := m.req.SendRequest(protocol.MethodGetPanelCompletions, json.RawMessage(raw), func(r rpc.Response) {
		m.exec.Post(func() { m.onPanelResult(view, id, r) })
	}); err != nil {
		m.ClosePanel(view)
		return "", err
	}

	m.renderPanel(view, p)
	return id, nil
}

func (m *Manager) onPanelResult(view ViewID, id string, r rpc.Response) {
	p := m.panelFor(view, id)
	if p == nil {
		return
	}
	if r.Err != nil {
		m.logger.Debug("panel request failed", "view", view, "panel", id, "error", r.Err)
		p.streaming = false
	} else {
		p.target = int(gjson.GetBytes(r.Result, "solutionCountTarget").Int())
	}
	m.renderPanel(view, p)
}

// OnPanelSolution records a streamed solution. It may be called from any
// goroutine.
func (m *Manager) OnPanelSolution(sol protocol.PanelSolutionParams) bool {
	return m.exec.Post(func() {
		view, ok := m.panelView[sol.PanelID]
		if !ok {
			return
		}
		p := m.panelFor(view, sol.PanelID)
		if p == nil || !p.streaming {
			return
		}
		p.solutions = MergePanelSolutions(p.solutions, toPanelSolution(sol))
		m.renderPanel(view, p)
	})
}

// OnPanelSolutionsDone ends a panel's stream. It may be called from any
// goroutine.
func (m *Manager) OnPanelSolutionsDone(done protocol.PanelSolutionsDoneParams) bool {
	return m.exec.Post(func() {
		view, ok := m.panelView[done.PanelID]
		if !ok {
			return
		}
		p := m.panelFor(view, done.PanelID)
		if p == nil {
			return
		}
		p.streaming = false
		m.renderPanel(view, p)
	})
}

// ClosePanel discards the view's panel. It is a no-op when none is open.
func (m *Manager) ClosePanel(view ViewID) {
	p, ok := m.panels[view]
	if !ok {
		return
	}
	delete(m.panels, view)
	delete(m.panelView, p.id)
	m.renderer.RenderPanel(view, PanelSnapshot{View: view})
}

// AcceptPanelSolution inserts a panel solution and closes the panel.
func (m *Manager) AcceptPanelSolution(view ViewID, solutionID string) (PanelSolution, error) {
	p, ok := m.panels[view]
	if !ok {
		return PanelSolution{}, ErrNoPanel
	}

	var sol PanelSolution
	found := false
	for _, s := range p.solutions {
		if s.SolutionID == solutionID {
			sol, found = s, true
			break
		}
	}
	if !found {
		return PanelSolution{}, fmt.Errorf("%w: %s", ErrUnknownSolution, solutionID)
	}

	if err := m.editor.Replace(view, sol.Range, sol.CompletionText); err != nil {
		m.ClosePanel(view)
		return sol, err
	}
	if m.opts.Telemetry {
		m.notify(protocol.MethodNotifyAccepted, protocol.UUIDParams{UUID: sol.SolutionID})
	}
	m.ClosePanel(view)
	return sol, nil
}

// Panel returns a snapshot of the view's panel.
func (m *Manager) Panel(view ViewID) PanelSnapshot {
	p, ok := m.panels[view]
	if !ok {
		return PanelSnapshot{View: view}
	}
	return panelSnapshot(view, p)
}

func (m *Manager) panelFor(view ViewID, id string) *panelSession {
	p, ok := m.panels[view]
	if !ok || p.id != id {
		return nil
	}
	return p
}

func (m *Manager) renderPanel(view ViewID, p *panelSession) {
	m.renderer.RenderPanel(view, panelSnapshot(view, p))
}

func panelSnapshot(view ViewID, p *panelSession) PanelSnapshot {
	return PanelSnapshot{
		View:      view,
		Open:      true,
		PanelID:   p.id,
		Streaming: p.streaming,
		Target:    p.target,
		Solutions: append([]PanelSolution(nil), p.solutions...),
	}
}
