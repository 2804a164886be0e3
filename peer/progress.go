package peer

import (
	"sync"
	"time"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// ChunkState is the state of one chunk within a download session.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkDownloading
	ChunkCompleted
	ChunkCached
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkDownloading:
		return "downloading"
	case ChunkCompleted:
		return "completed"
	case ChunkCached:
		return "cached"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "⏳"
	case ChunkDownloading:
		return "↓"
	case ChunkCompleted, ChunkCached:
		return "✓"
	case ChunkFailed:
		return "✗"
	default:
		return "?"
	}
}

func (s ChunkState) done() bool {
	return s == ChunkCompleted || s == ChunkCached
}

type ChunkProgress struct {
	Index     int
	State     ChunkState
	Owner     string
	Size      int64
	Attempts  int
	StartTime time.Time
	EndTime   time.Time
}

// DownloadTracker records per-chunk progress of one download session. The
// orchestrator feeds it; renderers and shells read it.
type DownloadTracker struct {
	mu          sync.RWMutex
	FileStem    string
	FileName    string
	FileSize    int64
	TotalChunks int
	Chunks      []*ChunkProgress
	StartTime   time.Time
	EndTime     time.Time

	bytesDone int64
	failed    int
	attempts  int

	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec
}

func NewDownloadTracker() *DownloadTracker {
	now := time.Now()
	return &DownloadTracker{StartTime: now, lastTime: now}
}

// Init sizes the tracker from a manifest. It may be called once per session.
func (dt *DownloadTracker) Init(m *protocol.Manifest) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.FileStem = m.FileStem
	dt.FileName = m.OriginalName
	dt.FileSize = m.FileSize()
	dt.TotalChunks = m.TotalChunks
	dt.Chunks = make([]*ChunkProgress, m.TotalChunks)
	for i, c := range m.Chunks {
		dt.Chunks[i] = &ChunkProgress{Index: i, State: ChunkPending, Size: c.Size}
	}
}

func (dt *DownloadTracker) chunk(index int) *ChunkProgress {
	if index < 0 || index >= len(dt.Chunks) {
		return nil
	}
	return dt.Chunks[index]
}

// StartChunk marks a fetch attempt of index from owner.
func (dt *DownloadTracker) StartChunk(index int, owner string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if c := dt.chunk(index); c != nil {
		c.State = ChunkDownloading
		c.Owner = owner
		c.Attempts++
		if c.StartTime.IsZero() {
			c.StartTime = time.Now()
		}
		dt.attempts++
	}
}

// CompleteChunk marks index as fetched and verified.
func (dt *DownloadTracker) CompleteChunk(index int) {
	dt.finish(index, ChunkCompleted)
}

// CacheChunk marks index as satisfied by a verified local copy.
func (dt *DownloadTracker) CacheChunk(index int) {
	dt.finish(index, ChunkCached)
}

func (dt *DownloadTracker) finish(index int, state ChunkState) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if c := dt.chunk(index); c != nil && !c.State.done() {
		c.State = state
		c.EndTime = time.Now()
		dt.bytesDone += c.Size
	}
}

// FailChunk marks index as unsatisfiable by every owner.
func (dt *DownloadTracker) FailChunk(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if c := dt.chunk(index); c != nil {
		c.State = ChunkFailed
		c.EndTime = time.Now()
		dt.failed++
	}
}

func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.EndTime = time.Now()
}

// UpdateSpeed recomputes the transfer speed at most every half second.
func (dt *DownloadTracker) UpdateSpeed() float64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(dt.lastTime).Seconds()
	if elapsed >= 0.5 {
		dt.currentSpeed = float64(dt.bytesDone-dt.lastBytes) / elapsed
		dt.lastBytes = dt.bytesDone
		dt.lastTime = now
	}
	return dt.currentSpeed
}

// GetProgress returns completed and total chunk counts, the current speed,
// and the failed chunk count.
func (dt *DownloadTracker) GetProgress() (completed, total int, speed float64, failed int) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	for _, c := range dt.Chunks {
		if c.State.done() {
			completed++
		}
	}
	return completed, dt.TotalChunks, dt.currentSpeed, dt.failed
}

func (dt *DownloadTracker) GetETA() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	remaining := dt.FileSize - dt.bytesDone
	if dt.currentSpeed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/dt.currentSpeed) * time.Second
}

func (dt *DownloadTracker) GetBytesDownloaded() int64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.bytesDone
}

func (dt *DownloadTracker) GetFileSize() int64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.FileSize
}

// Attempts is the number of fetch attempts made across all owners.
func (dt *DownloadTracker) Attempts() int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.attempts
}

// IsComplete reports whether every chunk is fetched or cached. A manifest
// with no chunks is trivially complete.
func (dt *DownloadTracker) IsComplete() bool {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	for _, c := range dt.Chunks {
		if !c.State.done() {
			return false
		}
	}
	return true
}

func (dt *DownloadTracker) GetElapsedTime() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if !dt.EndTime.IsZero() {
		return dt.EndTime.Sub(dt.StartTime)
	}
	return time.Since(dt.StartTime)
}

func (dt *DownloadTracker) GetChunkStatus(index int) (ChunkState, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if c := dt.chunk(index); c != nil {
		return c.State, true
	}
	return ChunkPending, false
}

// ChunksIn returns the indices currently in state, ascending.
func (dt *DownloadTracker) ChunksIn(state ChunkState) []int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	out := make([]int, 0)
	for _, c := range dt.Chunks {
		if c.State == state {
			out = append(out, c.Index)
		}
	}
	return out
}
