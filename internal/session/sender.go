package session

import (
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-edgesync/internal/outbound"
	"github.com/nerrad567/gray-logic-edgesync/internal/protocol"
)

// runSender drains the queue while the edge is connected.
func (m *Manager) runSender(s *session) {
	defer s.wg.Done()

	delay := m.cfg.RetryInitialDelay
	timer := time.NewTimer(m.cfg.RetryMaxDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		if !s.currentState().deliverable() || s.queue.Len() == 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			case <-s.queue.Ready():
			}
			continue
		}

		if m.deliverBatch(s) {
			delay = m.cfg.RetryInitialDelay
			continue
		}

		if s.ctx.Err() != nil {
			return
		}
		if m.metrics != nil {
			m.metrics.RecordRetry(s.queue.EdgeID())
		}
		m.log().Debug("delivery round failed, backing off", "edge_id", s.queue.EdgeID(), "delay", delay)

		timer.Reset(delay)
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
			// State changed; retry at once if still connected.
			timer.Stop()
		}
		delay = min(delay*2, m.cfg.RetryMaxDelay)
	}
}

// deliverBatch sends up to BatchSize entries from the head of the queue and
// waits for their acknowledgements. It reports whether every entry that
// needs one was acknowledged within AckTimeout.
//
// RESPONSE entries are not acknowledged by edges; they leave the queue once
// the transport accepted them.
func (m *Manager) deliverBatch(s *session) bool {
	edgeID := s.queue.EdgeID()
	batch := s.queue.Pending(m.cfg.BatchSize)
	if len(batch) == 0 {
		return true
	}

	type frame struct {
		entry outbound.Entry
		data  []byte
	}
	frames := make([]frame, 0, len(batch))
	expect := 0
	for _, entry := range batch {
		data, err := protocol.Marshal(entry.Message)
		if err != nil {
			// An entry that cannot be encoded would block the queue forever.
			m.log().Error("dropping unencodable queue entry", "edge_id", edgeID, "seq", entry.Seq, "error", err)
			m.ackEntry(s, entry)
			continue
		}
		frames = append(frames, frame{entry: entry, data: data})
		if entry.Message.Kind != protocol.KindResponse {
			expect++
		}
	}

	s.corr.ExpectResponses(expect)
	routingKey := s.routingKey()
	_, epoch := s.connection()

	for _, f := range frames {
		if !s.currentState().deliverable() {
			return false
		}

		needsAck := f.entry.Message.Kind != protocol.KindResponse
		if needsAck {
			s.mu.Lock()
			s.inflight[f.entry.Message.ID] = f.entry.Seq
			s.mu.Unlock()
		}

		if err := m.transport.Send(s.ctx, routingKey, f.data); err != nil {
			m.log().Warn("downlink send failed", "edge_id", edgeID, "seq", f.entry.Seq, "error", err)
			if m.metrics != nil {
				m.metrics.RecordDelivery(edgeID, 0, false)
			}
			return false
		}

		if err := s.queue.MarkSent(s.ctx, f.entry.Seq); err != nil && !errors.Is(err, outbound.ErrUnknownSeq) {
			m.log().Warn("failed to mark entry sent", "edge_id", edgeID, "seq", f.entry.Seq, "error", err)
		}
		if !needsAck {
			m.ackEntry(s, f.entry)
		}
	}

	if expect == 0 {
		m.recordDepth(s)
		return true
	}

	ok := m.awaitAcks(s, epoch)
	if m.metrics != nil {
		m.metrics.RecordDelivery(edgeID, len(frames), ok)
	}
	if !ok {
		m.log().Warn("batch not acknowledged in time", "edge_id", edgeID, "sent", len(frames), "timeout", m.cfg.AckTimeout)
	}
	return ok
}

// awaitAcks waits up to AckTimeout for the armed acknowledgements. It
// gives up early when the edge disconnects or reconnects meanwhile, so the
// batch is resent on the new connection without waiting out the timeout.
func (m *Manager) awaitAcks(s *session, epoch uint64) bool {
	result := make(chan bool, 1)
	go func() { result <- s.corr.AwaitResponses(m.cfg.AckTimeout) }()

	for {
		select {
		case ok := <-result:
			return ok
		case <-s.ctx.Done():
			return false
		case <-s.wake:
			state, current := s.connection()
			if !state.deliverable() || current != epoch {
				m.log().Debug("connection changed while awaiting acknowledgements", "edge_id", s.queue.EdgeID(), "state", state)
				if state.deliverable() {
					m.rewake(s)
				}
				return false
			}
		}
	}
}

// rewake re-arms the sender's wake signal.
func (m *Manager) rewake(s *session) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) ackEntry(s *session, entry outbound.Entry) {
	if err := s.queue.Ack(s.ctx, entry.Seq); err != nil && !errors.Is(err, outbound.ErrUnknownSeq) {
		m.log().Error("failed to remove queue entry", "edge_id", s.queue.EdgeID(), "seq", entry.Seq, "error", err)
	}
	m.recordDepth(s)
}
