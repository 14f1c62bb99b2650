package influxdb

import (
	"strconv"

	"github.com/google/uuid"
)

// Measurement names written by SyncMetrics.
const (
	MeasurementDelivery = "sync_delivery"
	MeasurementRetry    = "sync_retry"
	MeasurementQueue    = "sync_queue"
	MeasurementSession  = "sync_session"
	MeasurementUplink   = "sync_uplink"
	MeasurementConflict = "sync_conflict"
)

// PointWriter accepts points. *Client implements it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// SyncMetrics records session and uplink events as points. It satisfies
// both session.Metrics and uplink.Metrics.
type SyncMetrics struct {
	w PointWriter
}

// NewSyncMetrics creates a recorder writing to w.
func NewSyncMetrics(w PointWriter) *SyncMetrics {
	return &SyncMetrics{w: w}
}

// RecordDelivery records one delivery round to an edge.
func (m *SyncMetrics) RecordDelivery(edgeID uuid.UUID, messages int, acknowledged bool) {
	m.w.WritePoint(MeasurementDelivery,
		map[string]string{"edge_id": edgeID.String(), "acknowledged": strconv.FormatBool(acknowledged)},
		map[string]any{"messages": messages},
	)
}

// RecordRetry records a delivery round that backed off.
func (m *SyncMetrics) RecordRetry(edgeID uuid.UUID) {
	m.w.WritePoint(MeasurementRetry,
		map[string]string{"edge_id": edgeID.String()},
		map[string]any{"count": 1},
	)
}

// RecordQueueDepth records the number of unacknowledged entries queued for
// an edge.
func (m *SyncMetrics) RecordQueueDepth(edgeID uuid.UUID, depth int) {
	m.w.WritePoint(MeasurementQueue,
		map[string]string{"edge_id": edgeID.String()},
		map[string]any{"depth": depth},
	)
}

// RecordSessionState records a session state transition.
func (m *SyncMetrics) RecordSessionState(edgeID uuid.UUID, state string) {
	m.w.WritePoint(MeasurementSession,
		map[string]string{"edge_id": edgeID.String(), "state": state},
		map[string]any{"count": 1},
	)
}

// RecordUplink records a message received from an edge and whether it was
// applied.
func (m *SyncMetrics) RecordUplink(edgeID uuid.UUID, kind string, success bool) {
	m.w.WritePoint(MeasurementUplink,
		map[string]string{"edge_id": edgeID.String(), "kind": kind, "success": strconv.FormatBool(success)},
		map[string]any{"count": 1},
	)
}

// RecordConflict records an edge entity that was reallocated or renamed
// because its name was taken.
func (m *SyncMetrics) RecordConflict(edgeID uuid.UUID, entityType string) {
	m.w.WritePoint(MeasurementConflict,
		map[string]string{"edge_id": edgeID.String(), "entity_type": entityType},
		map[string]any{"count": 1},
	)
}
