package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
)

// BusStats is the response of GET /bus/stats.
type BusStats struct {
	Timestamp     string                `json:"timestamp"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	OwnAddress    string                `json:"own_address,omitempty"`
	Link          *cemi.CounterSnapshot `json:"link,omitempty"`
	Busy          bool                  `json:"busy"`
	WebSocket     WSMetrics             `json:"websocket"`
	Runtime       RuntimeMetrics        `json:"runtime"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

func (s *Server) handleBusStats(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := BusStats{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Busy:          s.runner.Busy(),
		WebSocket:     WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}
	if s.bus != nil {
		snapshot := s.bus.Counters().Snapshot()
		stats.Link = &snapshot
		if own := s.bus.OwnAddress(); !own.IsZero() {
			stats.OwnAddress = own.String()
		}
	}

	writeJSON(w, http.StatusOK, stats)
}
