// Package metrics exposes Prometheus instrumentation for a kalandra
// server process: handshakes, session lifecycle, frame sequencing,
// broadcast fan-out, and ratchet crypto operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kalandra"

// Registry is the Prometheus registry all metrics in this package
// register against. A process embedding kalandra-server can pass this
// to its own exporter instead of using the default global registry.
var Registry = prometheus.NewRegistry()

// Collector accumulates in-process counters that are cheaper to read
// back directly (for logging, health endpoints) than scraping
// Prometheus vectors by label.
type Collector struct {
	mu sync.RWMutex

	FramesProcessed  int64
	FramesRejected   int64
	BroadcastsSent   int64
	BroadcastRetries int64
	SyncRequests     int64

	frameLatencies []int64 // microseconds

	startTime        time.Time
	maxTimingSamples int
}

func NewCollector() *Collector {
	return &Collector{
		startTime:        time.Now(),
		maxTimingSamples: 1000,
	}
}

func (c *Collector) RecordFrame(rejected bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.FramesProcessed++
	if rejected {
		c.FramesRejected++
	}
	c.frameLatencies = append(c.frameLatencies, duration.Microseconds())
	if len(c.frameLatencies) > c.maxTimingSamples {
		c.frameLatencies = c.frameLatencies[len(c.frameLatencies)-c.maxTimingSamples:]
	}
}

func (c *Collector) RecordBroadcast(retried bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.BroadcastsSent++
	if retried {
		c.BroadcastRetries++
	}
}

func (c *Collector) RecordSyncRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SyncRequests++
}

// Snapshot is a point-in-time read of the collector's counters.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	FramesProcessed  int64
	FramesRejected   int64
	BroadcastsSent   int64
	BroadcastRetries int64
	SyncRequests     int64

	AvgFrameLatencyMicros float64
	P95FrameLatencyMicros int64
}

func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Timestamp:             time.Now(),
		Uptime:                time.Since(c.startTime),
		FramesProcessed:       c.FramesProcessed,
		FramesRejected:        c.FramesRejected,
		BroadcastsSent:        c.BroadcastsSent,
		BroadcastRetries:      c.BroadcastRetries,
		SyncRequests:          c.SyncRequests,
		AvgFrameLatencyMicros: average(c.frameLatencies),
		P95FrameLatencyMicros: percentile(c.frameLatencies, 95),
	}
}

func (s Snapshot) RejectRate() float64 {
	if s.FramesProcessed == 0 {
		return 0
	}
	return float64(s.FramesRejected) / float64(s.FramesProcessed) * 100
}

func average(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

// percentile is an approximation: sort a copy, index by rank. Fine for
// the sample sizes a single process accumulates between scrapes.
func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}
	index := len(sorted) * p / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

var globalCollector = NewCollector()

func GetGlobalCollector() *Collector { return globalCollector }
