package bus

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
)

const (
	// DefaultMetricsInterval is how often counters are written.
	DefaultMetricsInterval = 30 * time.Second

	// MeasurementLink is the measurement name of link-layer counter points.
	MeasurementLink = "knx_link"
)

// PointWriter writes one time-series point. *influxdb.Client implements it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

// MetricsRecorder periodically writes a counter snapshot as a point.
type MetricsRecorder struct {
	counters *cemi.Counters
	writer   PointWriter
	interval time.Duration
	tags     map[string]string

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsRecorder creates a recorder. A non-positive interval selects
// DefaultMetricsInterval. tags are attached to every point.
func NewMetricsRecorder(counters *cemi.Counters, writer PointWriter, interval time.Duration, tags map[string]string) *MetricsRecorder {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	return &MetricsRecorder{
		counters: counters,
		writer:   writer,
		interval: interval,
		tags:     tags,
		done:     make(chan struct{}),
	}
}

// Start begins recording until ctx is cancelled or Stop is called.
func (m *MetricsRecorder) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.Record()
				return
			case <-m.done:
				m.Record()
				return
			case <-ticker.C:
				m.Record()
			}
		}
	}()
}

// Record writes the current snapshot once.
func (m *MetricsRecorder) Record() {
	m.writer.WritePoint(MeasurementLink, m.tags, m.counters.Snapshot().Fields())
}

// Stop ends recording after a final point. Safe to call multiple times.
func (m *MetricsRecorder) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}
