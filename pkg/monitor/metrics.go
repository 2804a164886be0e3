package monitor

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
)

// Metrics holds transfer counters for one process.
type Metrics struct {
	ChunksFetched atomic.Int64
	BytesFetched  atomic.Int64
	FetchFailures atomic.Int64
	ChunksServed  atomic.Int64
	WirePackets   atomic.Int64
	WireBytes     atomic.Int64
	WireRejected  atomic.Int64
	ServerStart   time.Time
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	ChunksFetched int64
	BytesFetched  int64
	FetchFailures int64
	ChunksServed  int64
	WirePackets   int64
	WireBytes     int64
	WireRejected  int64
	Uptime        time.Duration
}

// Global metrics instance
var Global = &Metrics{
	ServerStart: time.Now(),
}

func (m *Metrics) RecordFetch(bytes int64) {
	m.ChunksFetched.Add(1)
	m.BytesFetched.Add(bytes)
}

func (m *Metrics) RecordFetchFailure() {
	m.FetchFailures.Add(1)
}

func (m *Metrics) RecordServed() {
	m.ChunksServed.Add(1)
}

func (m *Metrics) RecordWire(bytes int64) {
	m.WirePackets.Add(1)
	m.WireBytes.Add(bytes)
}

func (m *Metrics) RecordWireRejected() {
	m.WireRejected.Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ChunksFetched: m.ChunksFetched.Load(),
		BytesFetched:  m.BytesFetched.Load(),
		FetchFailures: m.FetchFailures.Load(),
		ChunksServed:  m.ChunksServed.Load(),
		WirePackets:   m.WirePackets.Load(),
		WireBytes:     m.WireBytes.Load(),
		WireRejected:  m.WireRejected.Load(),
		Uptime:        time.Since(m.ServerStart),
	}
}

// LogPeriodic logs runtime and transfer metrics every interval until ctx ends.
func LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		s := Global.Snapshot()

		var throughput float64
		if secs := s.Uptime.Seconds(); secs > 0 {
			throughput = float64(s.BytesFetched) / secs / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Fetched=%d chunks (%.2fMB/s) | FetchFailures=%d | Served=%d | Wire=%d packets, %d rejected",
			runtime.NumGoroutine(),
			mem.HeapAlloc/1024/1024,
			s.ChunksFetched,
			throughput,
			s.FetchFailures,
			s.ChunksServed,
			s.WirePackets,
			s.WireRejected,
		)
	}
}
