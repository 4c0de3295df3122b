// Package influxdb writes knxmgmt time-series points to InfluxDB v2.
//
// Two measurements are written:
//   - knx_link: periodic snapshots of the cEMI frame counters, written by
//     bus.MetricsRecorder through WritePoint
//   - knx_run: one point per commissioning run with its duration and result
//
// Writes are non-blocking and batched (batch_size, flush_interval); write
// failures are delivered to the SetOnError callback.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteRunDuration("probe", "ok", 340*time.Millisecond)
package influxdb
