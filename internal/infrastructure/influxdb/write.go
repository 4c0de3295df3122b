package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementRun holds one point per commissioning run.
const MeasurementRun = "knx_run"

// WritePoint queues a point stamped now. Dropped when not connected.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteRunDuration records how long a run of action took and how it ended.
func (c *Client) WriteRunDuration(action, result string, d time.Duration) {
	c.WritePoint(MeasurementRun,
		map[string]string{"action": action, "result": result},
		map[string]interface{}{"duration_ms": d.Milliseconds()},
	)
}
