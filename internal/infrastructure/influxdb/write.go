package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint writes a point stamped with the current time.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Writes on a closed client are dropped.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("sync_queue",
//	    map[string]string{"edge_id": id.String()},
//	    map[string]any{"depth": 12})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.open() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}
