package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/monitor"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"
)

// Tracker is the part of the tracker API a download needs.
type Tracker interface {
	Metadata(ctx context.Context, stem string) (*protocol.Manifest, error)
	Owners(ctx context.Context, stem string, index int) ([]protocol.Owner, error)
	Announce(ctx context.Context, stem string, index int) error
}

// Fetcher retrieves the raw bytes of one chunk from an owner.
type Fetcher interface {
	Fetch(ctx context.Context, owner protocol.Owner, stem string, index int) ([]byte, error)
}

type Outcome int

const (
	Complete Outcome = iota
	PartialFailure
	MetadataMissing
	ReassemblyFailed
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case PartialFailure:
		return "partial_failure"
	case MetadataMissing:
		return "metadata_missing"
	case ReassemblyFailed:
		return "reassembly_failed"
	default:
		return "unknown"
	}
}

// Result describes how one Download or Repair call ended. FailedIndex is the
// first unsatisfiable chunk for PartialFailure and -1 otherwise.
type Result struct {
	Outcome     Outcome
	FileStem    string
	SessionID   string
	FailedIndex int
	Path        string
	Fetched     int
	Reused      int
	Err         error
}

func (r Result) OK() bool { return r.Outcome == Complete }

func (r Result) String() string {
	switch r.Outcome {
	case Complete:
		return fmt.Sprintf("%s: complete (%d fetched, %d local) -> %s", r.FileStem, r.Fetched, r.Reused, r.Path)
	case PartialFailure:
		return fmt.Sprintf("%s: failed at chunk %d: %v", r.FileStem, r.FailedIndex, r.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", r.FileStem, r.Outcome, r.Err)
	}
}

type OrchestratorOpts struct {
	Layout  storage.Layout
	Tracker Tracker
	Fetcher Fetcher
	// State, when set, receives one DownloadRecord per call.
	State *storage.StateStore
	// SelfID is skipped when it appears as a peer owner.
	SelfID string
}

// Orchestrator drives chunk downloads for one peer. Calls for different
// files run concurrently; calls that resolve to the same file are serialized.
type Orchestrator struct {
	layout   storage.Layout
	metadata *storage.MetadataStore
	tracker  Tracker
	fetcher  Fetcher
	state    *storage.StateStore
	selfID   string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewOrchestrator(opts OrchestratorOpts) *Orchestrator {
	return &Orchestrator{
		layout:   opts.Layout,
		metadata: storage.NewMetadataStore(opts.Layout.MetadataDir()),
		tracker:  opts.Tracker,
		fetcher:  opts.Fetcher,
		state:    opts.State,
		selfID:   opts.SelfID,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lock(stem string) func() {
	o.mu.Lock()
	l, ok := o.locks[stem]
	if !ok {
		l = &sync.Mutex{}
		o.locks[stem] = l
	}
	o.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Download fetches every chunk of stem in index order and reassembles the
// file. Verified local copies are reused and re-announced.
func (o *Orchestrator) Download(ctx context.Context, stem string, progress *DownloadTracker) Result {
	return o.run(ctx, stem, progress, false)
}

// Repair scans the local stores first and fetches only the chunks that are
// missing or fail verification, then reassembles.
func (o *Orchestrator) Repair(ctx context.Context, stem string, progress *DownloadTracker) Result {
	return o.run(ctx, stem, progress, true)
}

func (o *Orchestrator) run(ctx context.Context, stem string, progress *DownloadTracker, repair bool) Result {
	if progress == nil {
		progress = NewDownloadTracker()
	}
	res := Result{FileStem: stem, SessionID: uuid.NewString(), FailedIndex: -1}

	m, err := o.manifest(ctx, stem)
	if err != nil {
		res.Outcome = MetadataMissing
		res.Err = err
		return o.finish(res)
	}
	// same key as the on-disk chunk names
	unlock := o.lock(storage.SanitizeStem(m.FileStem))
	defer unlock()
	res.FileStem = m.FileStem
	progress.Init(m)

	logger.Sugar.Infof("[Download] Session started: session=%s stem=%s chunks=%d repair=%v",
		res.SessionID, m.FileStem, m.TotalChunks, repair)

	paths := make([]string, m.TotalChunks)
	if repair {
		missing := 0
		for i := range m.Chunks {
			paths[i] = o.verifiedLocal(m, i)
			if paths[i] == "" {
				missing++
			}
		}
		logger.Sugar.Infof("[Download] Repair scan: stem=%s missing=%d of %d", m.FileStem, missing, m.TotalChunks)
	}

	for i := range m.Chunks {
		if !repair {
			paths[i] = o.verifiedLocal(m, i)
		}
		if paths[i] != "" {
			o.announce(ctx, m.FileStem, i)
			progress.CacheChunk(i)
			res.Reused++
			continue
		}

		path, err := o.fetchChunk(ctx, m, i, progress)
		if err != nil {
			progress.FailChunk(i)
			res.Outcome = PartialFailure
			res.FailedIndex = i
			res.Err = err
			return o.finish(res)
		}
		paths[i] = path
		res.Fetched++
	}

	name := m.OriginalName
	if name == "" {
		name = m.FileStem
	}
	dest := o.layout.DownloadPath(name)
	err = storage.ReassembleFile(m, dest, func(i int) (string, error) {
		return paths[i], nil
	})
	if err != nil {
		res.Outcome = ReassemblyFailed
		res.Err = err
		return o.finish(res)
	}

	progress.MarkComplete()
	res.Outcome = Complete
	res.Path = dest
	return o.finish(res)
}

// manifest asks the tracker first and falls back to a locally stored copy.
// A manifest obtained from the tracker is saved for later repairs.
func (o *Orchestrator) manifest(ctx context.Context, stem string) (*protocol.Manifest, error) {
	m, err := o.tracker.Metadata(ctx, stem)
	if err == nil {
		if _, serr := o.metadata.Save(m); serr != nil {
			logger.Sugar.Warnf("[Download] Failed to store manifest locally: stem=%s error=%v", stem, serr)
		}
		return m, nil
	}

	local, lerr := o.metadata.Load(stem)
	if lerr != nil {
		return nil, fmt.Errorf("metadata for %q: %w", stem, err)
	}
	logger.Sugar.Warnf("[Download] Tracker metadata unavailable, using local copy: stem=%s error=%v", stem, err)
	return local, nil
}

// verifiedLocal returns a local path holding a verified copy of chunk i, or
// "". Mismatching copies are left in place and ignored.
func (o *Orchestrator) verifiedLocal(m *protocol.Manifest, i int) string {
	want := m.Chunks[i].Hash
	for _, p := range []string{o.layout.ReceivedPath(m.FileStem, i), o.layout.ChunkPath(m.FileStem, i)} {
		ok, err := storage.VerifyFile(p, want)
		if err != nil {
			logger.Sugar.Warnf("[Download] Cannot read local chunk: path=%s error=%v", p, err)
			continue
		}
		if ok {
			return p
		}
	}
	return ""
}

// fetchChunk tries every owner of chunk i in tracker order and stores the
// first copy whose hash matches the manifest.
func (o *Orchestrator) fetchChunk(ctx context.Context, m *protocol.Manifest, i int, progress *DownloadTracker) (string, error) {
	stem := m.FileStem
	owners, err := o.tracker.Owners(ctx, stem, i)
	if err != nil {
		return "", fmt.Errorf("owners of chunk %d: %w", i, err)
	}

	lastErr := fmt.Errorf("%w: no owners for chunk %d", protocol.ErrNotFound, i)
	tried := 0
	for _, owner := range owners {
		if owner.Kind == protocol.OwnerPeer && owner.PeerID == o.selfID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tried++
		progress.StartChunk(i, owner.PeerID)

		data, err := o.fetcher.Fetch(ctx, owner, stem, i)
		if err != nil {
			monitor.Global.RecordFetchFailure()
			logger.Sugar.Warnf("[Download] Fetch failed: stem=%s chunk=%d owner=%s error=%v", stem, i, owner.PeerID, err)
			lastErr = err
			continue
		}
		if got := storage.HashBytes(data); got != m.Chunks[i].Hash {
			monitor.Global.RecordFetchFailure()
			logger.Sugar.Warnf("[Download] Hash mismatch: stem=%s chunk=%d owner=%s", stem, i, owner.PeerID)
			lastErr = fmt.Errorf("%w: chunk %d from %s", protocol.ErrVerificationMismatch, i, owner.PeerID)
			continue
		}

		path := o.layout.ReceivedPath(stem, i)
		if err := storage.WriteFileAtomic(path, data); err != nil {
			return "", fmt.Errorf("storing chunk %d: %w", i, err)
		}
		monitor.Global.RecordFetch(int64(len(data)))
		progress.CompleteChunk(i)
		o.announce(ctx, stem, i)
		logger.Sugar.Debugf("[Download] Chunk stored: stem=%s chunk=%d owner=%s bytes=%d", stem, i, owner.PeerID, len(data))
		return path, nil
	}

	if tried > 1 {
		return "", fmt.Errorf("all %d owners failed for chunk %d, last error: %w", tried, i, lastErr)
	}
	return "", lastErr
}

// AnnounceHeld announces every chunk of every locally stored manifest that
// has a verified local copy, and returns how many were announced.
func (o *Orchestrator) AnnounceHeld(ctx context.Context) (int, error) {
	all, err := o.metadata.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range all {
		for i := range m.Chunks {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if o.verifiedLocal(m, i) == "" {
				continue
			}
			if err := o.tracker.Announce(ctx, m.FileStem, i); err != nil {
				return n, fmt.Errorf("announce %s#%d: %w", m.FileStem, i, err)
			}
			n++
		}
	}
	return n, nil
}

func (o *Orchestrator) announce(ctx context.Context, stem string, i int) {
	if err := o.tracker.Announce(ctx, stem, i); err != nil {
		logger.Sugar.Warnf("[Download] Announce failed: stem=%s chunk=%d error=%v", stem, i, err)
	}
}

func (o *Orchestrator) finish(res Result) Result {
	switch res.Outcome {
	case Complete:
		logger.Sugar.Infof("[Download] Session complete: session=%s stem=%s fetched=%d reused=%d path=%s",
			res.SessionID, res.FileStem, res.Fetched, res.Reused, res.Path)
	default:
		logger.Sugar.Errorf("[Download] Session ended: session=%s stem=%s outcome=%s failed_index=%d error=%v",
			res.SessionID, res.FileStem, res.Outcome, res.FailedIndex, res.Err)
	}

	if o.state != nil {
		rec := storage.DownloadRecord{
			FileStem:    res.FileStem,
			SessionID:   res.SessionID,
			Outcome:     res.Outcome.String(),
			FailedIndex: res.FailedIndex,
			At:          time.Now(),
		}
		if res.Err != nil {
			rec.Detail = res.Err.Error()
		}
		if err := o.state.RecordDownload(rec); err != nil {
			logger.Sugar.Warnf("[Download] Failed to record outcome: stem=%s error=%v", res.FileStem, err)
		}
	}
	return res
}

// IsUnauthorized reports whether err came from a rejected token.
func IsUnauthorized(err error) bool {
	return errors.Is(err, protocol.ErrUnauthorized)
}
