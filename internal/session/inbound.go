package session

import (
	"errors"

	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// runInbound hands received messages to the handler one at a time.
func (m *Manager) runInbound(s *session) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			m.handleInbound(s, msg)
		}
	}
}

func (m *Manager) handleInbound(s *session, msg *protocol.Message) {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()

	edgeID := s.queue.EdgeID()
	if handler == nil {
		m.log().Warn("no uplink handler bound, dropping message", "edge_id", edgeID, "message", msg.String())
		return
	}

	if _, err := handler.Handle(s.ctx, edgeID, msg); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			return
		}
		m.log().Error("uplink handling failed", "edge_id", edgeID, "message", msg.String(), "error", err)
	}
}
