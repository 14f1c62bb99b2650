// Package influxdb records sync engine metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched point writes and health monitoring. SyncMetrics turns
// session and uplink events into points:
//
//   - sync_delivery: batches sent to an edge and whether they were acknowledged
//   - sync_retry: delivery rounds that backed off
//   - sync_queue: outbound queue depth per edge
//   - sync_session: session state transitions
//   - sync_uplink: messages received from edges, by kind and outcome
//   - sync_conflict: edge creates and renames that were reallocated
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	metrics := influxdb.NewSyncMetrics(client)
//	manager, err := session.New(session.Deps{..., Metrics: metrics})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
package influxdb
