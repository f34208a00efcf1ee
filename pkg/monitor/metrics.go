package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// Direction of a completed transfer.
type Direction string

const (
	// Download: bytes fetched from a remote peer.
	Download Direction = "download"
	// Upload: bytes pushed to a remote peer.
	Upload Direction = "upload"
	// Received: a file pushed to us by a remote peer.
	Received Direction = "received"
	// Served: a file streamed by us in reply to GET.
	Served Direction = "served"
)

// Metrics holds transfer counters for one peer
type Metrics struct {
	clk   clock.Clock
	scope tally.Scope
	start time.Time

	downloads   atomic.Int64
	uploads     atomic.Int64
	received    atomic.Int64
	served      atomic.Int64
	failures    atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	connections atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Downloads   int64
	Uploads     int64
	Received    int64
	Served      int64
	Failures    int64
	BytesIn     int64
	BytesOut    int64
	Connections int64
	Uptime      time.Duration
}

func New(clk clock.Clock, scope tally.Scope) *Metrics {
	if clk == nil {
		clk = clock.New()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Metrics{
		clk:   clk,
		scope: scope.SubScope("transfer"),
		start: clk.Now(),
	}
}

// RecordTransfer records a completed transfer
func (m *Metrics) RecordTransfer(dir Direction, bytes int64, took time.Duration) {
	switch dir {
	case Download:
		m.downloads.Add(1)
		m.bytesIn.Add(bytes)
	case Received:
		m.received.Add(1)
		m.bytesIn.Add(bytes)
	case Upload:
		m.uploads.Add(1)
		m.bytesOut.Add(bytes)
	case Served:
		m.served.Add(1)
		m.bytesOut.Add(bytes)
	}

	tagged := m.scope.Tagged(map[string]string{"direction": string(dir)})
	tagged.Counter("count").Inc(1)
	tagged.Counter("bytes").Inc(bytes)
	tagged.Timer("duration").Record(took)

	var speed float64
	if secs := took.Seconds(); secs > 0 {
		speed = float64(bytes) / secs / 1024 / 1024
	}
	logger.Sugar.Infof("[Transfer] Direction=%s | Size=%dB | Duration=%.2fs | Speed=%.2fMB/s",
		dir, bytes, took.Seconds(), speed)
}

// RecordFailure counts a failed transfer or exchange; kind is a short label.
func (m *Metrics) RecordFailure(kind string) {
	m.failures.Add(1)
	m.scope.Tagged(map[string]string{"kind": kind}).Counter("failures").Inc(1)
}

// RecordConnection counts one accepted connection.
func (m *Metrics) RecordConnection() {
	m.connections.Add(1)
	m.scope.Counter("connections").Inc(1)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Downloads:   m.downloads.Load(),
		Uploads:     m.uploads.Load(),
		Received:    m.received.Load(),
		Served:      m.served.Load(),
		Failures:    m.failures.Load(),
		BytesIn:     m.bytesIn.Load(),
		BytesOut:    m.bytesOut.Load(),
		Connections: m.connections.Load(),
		Uptime:      m.clk.Now().Sub(m.start),
	}
}

// LogPeriodic logs runtime metrics at the specified interval until ctx is done
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := m.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		s := m.Snapshot()
		var throughput float64
		if secs := s.Uptime.Seconds(); secs > 0 {
			throughput = float64(s.BytesIn+s.BytesOut) / secs / 1024 / 1024
		}

		m.scope.Gauge("goroutines").Update(float64(runtime.NumGoroutine()))
		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Transfers=%d | Failures=%d",
			runtime.NumGoroutine(),
			ms.HeapAlloc/1024/1024,
			ms.HeapSys/1024/1024,
			throughput,
			s.Downloads+s.Uploads+s.Received+s.Served,
			s.Failures,
		)
	}
}
