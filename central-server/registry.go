package centralserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"
)

// Event types published on the admin event feed.
const (
	EventJoin     = "join"
	EventRejoin   = "rejoin"
	EventAnnounce = "announce"
	EventRegister = "register"
	EventStale    = "stale"
)

type Event struct {
	Type       string    `json:"type"`
	PeerID     string    `json:"peer_id,omitempty"`
	FileStem   string    `json:"file_stem,omitempty"`
	ChunkIndex *int      `json:"chunk_index,omitempty"`
	At         time.Time `json:"at"`
}

type peerEntry struct {
	record   protocol.PeerRecord
	lastSeen time.Time
}

// Registry is the tracker's peer directory, token table, chunk-location
// index and file registry. One mutex guards all four tables.
type Registry struct {
	mu sync.Mutex

	layout   storage.Layout
	metadata *storage.MetadataStore
	host     string
	port     int

	peers  map[string]*peerEntry
	tokens map[string]string
	// file_stem -> chunk_index -> peer ids in announcement order
	index map[string]map[int][]string
	files map[string]protocol.FileSummary

	now     func() time.Time
	onEvent func(Event)
}

type RegistryOpts struct {
	Layout storage.Layout
	// Host and Port are advertised for the tracker's own chunk store.
	Host string
	Port int
}

func NewRegistry(opts RegistryOpts) *Registry {
	return &Registry{
		layout:   opts.Layout,
		metadata: storage.NewMetadataStore(opts.Layout.MetadataDir()),
		host:     opts.Host,
		port:     opts.Port,
		peers:    make(map[string]*peerEntry),
		tokens:   make(map[string]string),
		index:    make(map[string]map[int][]string),
		files:    make(map[string]protocol.FileSummary),
		now:      time.Now,
	}
}

// SetEventSink installs fn to receive registry events. fn must not block.
func (r *Registry) SetEventSink(fn func(Event)) {
	r.mu.Lock()
	r.onEvent = fn
	r.mu.Unlock()
}

func (r *Registry) emit(fn func(Event), ev Event) {
	if fn != nil {
		fn(ev)
	}
}

// SetAdvertisedAddr changes the address listed for the tracker-type owner.
func (r *Registry) SetAdvertisedAddr(host string, port int) {
	r.mu.Lock()
	r.host, r.port = host, port
	r.mu.Unlock()
}

func (r *Registry) Host() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Join admits a peer. A known peer_id gets its record overwritten and keeps
// its existing token.
func (r *Registry) Join(req protocol.JoinRequest) (protocol.JoinResponse, error) {
	if err := req.Validate(); err != nil {
		return protocol.JoinResponse{}, err
	}
	if req.Status == "" {
		req.Status = protocol.StatusActive
	}

	r.mu.Lock()
	status := protocol.JoinRejoined
	token, known := r.tokens[req.PeerID]
	if !known {
		var err error
		if token, err = newToken(); err != nil {
			r.mu.Unlock()
			return protocol.JoinResponse{}, err
		}
		r.tokens[req.PeerID] = token
		status = protocol.JoinApproved
	}
	r.peers[req.PeerID] = &peerEntry{record: req, lastSeen: r.now()}
	sink, host := r.onEvent, r.host
	r.mu.Unlock()

	evType := EventJoin
	if known {
		evType = EventRejoin
	}
	logger.Sugar.Infof("[Registry] peer %s: peer_id=%s addr=%s", status, req.PeerID, req.Addr())
	r.emit(sink, Event{Type: evType, PeerID: req.PeerID, At: r.now()})

	return protocol.JoinResponse{Status: status, Token: token, PeerID: req.PeerID, TrackerIP: host}, nil
}

// authorize must be called with r.mu held.
func (r *Registry) authorize(peerID, token string) error {
	want, ok := r.tokens[peerID]
	if !ok || token == "" || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return fmt.Errorf("%w: invalid peer_id/token for %q", protocol.ErrUnauthorized, peerID)
	}
	return nil
}

// touch refreshes liveness; must be called with r.mu held.
func (r *Registry) touch(peerID string) {
	if e, ok := r.peers[peerID]; ok {
		e.lastSeen = r.now()
		e.record.Status = protocol.StatusActive
	}
}

// Authorize checks a peer_id/token pair without touching any table.
func (r *Registry) Authorize(peerID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorize(peerID, token)
}

// AnnounceChunk records that peerID holds a chunk. Repeated announcements
// are no-ops.
func (r *Registry) AnnounceChunk(peerID, token string, ann protocol.Announcement) error {
	if err := ann.Validate(); err != nil {
		return err
	}
	idx := *ann.ChunkIndex

	r.mu.Lock()
	if err := r.authorize(peerID, token); err != nil {
		r.mu.Unlock()
		return err
	}
	r.touch(peerID)

	chunks, ok := r.index[ann.FileStem]
	if !ok {
		chunks = make(map[int][]string)
		r.index[ann.FileStem] = chunks
	}
	added := true
	for _, id := range chunks[idx] {
		if id == peerID {
			added = false
			break
		}
	}
	if added {
		chunks[idx] = append(chunks[idx], peerID)
	}
	sink := r.onEvent
	r.mu.Unlock()

	if added {
		logger.Sugar.Debugf("[Registry] chunk announced: peer_id=%s stem=%s index=%d", peerID, ann.FileStem, idx)
		r.emit(sink, Event{Type: EventAnnounce, PeerID: peerID, FileStem: ann.FileStem, ChunkIndex: &idx, At: r.now()})
	}
	return nil
}

// stemCandidates yields the stem as given and, when different, its
// URL-unescaped form.
func stemCandidates(stem string) []string {
	out := []string{stem}
	if u, err := url.PathUnescape(stem); err == nil && u != stem {
		out = append(out, u)
	}
	return out
}

// GetChunkOwners lists the nodes holding a chunk: the tracker first when its
// own store has it, then active peers, then stale peers, each in announcement
// order. Index entries without a peer record are dropped.
func (r *Registry) GetChunkOwners(stem string, index int, peerID, token string) ([]protocol.Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(peerID, token); err != nil {
		return nil, err
	}

	owners := []protocol.Owner{}
	for _, s := range stemCandidates(stem) {
		if _, ok := r.layout.LocateChunk(s, index); ok {
			owners = append(owners, protocol.TrackerOwner(r.host, r.port))
			break
		}
	}

	var stale []protocol.Owner
	for _, s := range stemCandidates(stem) {
		ids := r.index[s][index]
		if len(ids) == 0 {
			continue
		}
		for _, id := range ids {
			e, ok := r.peers[id]
			if !ok {
				continue
			}
			if e.record.Status == protocol.StatusStale {
				stale = append(stale, protocol.PeerOwner(e.record))
			} else {
				owners = append(owners, protocol.PeerOwner(e.record))
			}
		}
		break
	}
	return append(owners, stale...), nil
}

// GetMetadata loads the persisted manifest for stem.
func (r *Registry) GetMetadata(stem, peerID, token string) (*protocol.Manifest, error) {
	if err := r.Authorize(peerID, token); err != nil {
		return nil, err
	}
	return r.metadata.Load(stem)
}

// GetChunkBytes reads a chunk from the tracker's own store.
func (r *Registry) GetChunkBytes(stem string, index int, peerID, token string) ([]byte, error) {
	if err := r.Authorize(peerID, token); err != nil {
		return nil, err
	}
	for _, s := range stemCandidates(stem) {
		p, ok := r.layout.LocateChunk(s, index)
		if !ok {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: read chunk %s: %v", protocol.ErrIO, p, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: chunk %s/%d", protocol.ErrNotFound, stem, index)
}

// ListFiles returns the file registry sorted by stem.
func (r *Registry) ListFiles() []protocol.FileSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.FileSummary, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stem < out[j].Stem })
	return out
}

// RegisterFile upserts a file registry entry. A missing size is filled from
// the persisted manifest when there is one.
func (r *Registry) RegisterFile(reg protocol.FileRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	summary := protocol.FileSummary{
		Stem:        reg.FileStem,
		Name:        reg.OriginalName,
		Size:        reg.FileSize,
		TotalChunks: reg.TotalChunks,
		MimeType:    reg.MimeType,
	}
	if summary.Name == "" {
		summary.Name = reg.FileStem
	}
	if summary.Size == 0 {
		if m, err := r.metadata.Load(reg.FileStem); err == nil {
			summary.Size = m.FileSize()
		}
	}

	r.mu.Lock()
	r.files[reg.FileStem] = summary
	sink := r.onEvent
	r.mu.Unlock()

	logger.Sugar.Infof("[Registry] file registered: stem=%s name=%s chunks=%d size=%d", summary.Stem, summary.Name, summary.TotalChunks, summary.Size)
	r.emit(sink, Event{Type: EventRegister, FileStem: reg.FileStem, At: r.now()})
	return nil
}

// RegisterManifest registers the file described by m.
func (r *Registry) RegisterManifest(m *protocol.Manifest) error {
	return r.RegisterFile(protocol.FileRegistration{
		FileStem:     m.FileStem,
		OriginalName: m.OriginalName,
		TotalChunks:  m.TotalChunks,
		MimeType:     m.MimeType,
		FileSize:     m.FileSize(),
	})
}

// LoadFromMetadata registers every persisted manifest. It returns how many
// files were loaded.
func (r *Registry) LoadFromMetadata() (int, error) {
	manifests, err := r.metadata.List()
	if err != nil {
		return 0, err
	}
	for _, m := range manifests {
		if err := r.RegisterManifest(m); err != nil {
			logger.Sugar.Warnf("[Registry] skipping manifest: stem=%s err=%v", m.FileStem, err)
		}
	}
	return len(manifests), nil
}

// ListPeers returns all known peers sorted by peer_id.
func (r *Registry) ListPeers() []protocol.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.PeerRecord, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Heartbeat refreshes a peer's liveness.
func (r *Registry) Heartbeat(peerID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.authorize(peerID, token); err != nil {
		return err
	}
	r.touch(peerID)
	return nil
}

// Sweep marks peers not seen within ttl as stale and returns their ids.
// Stale peers stay in the directory and the index.
func (r *Registry) Sweep(ttl time.Duration) []string {
	r.mu.Lock()
	now := r.now()
	var marked []string
	for id, e := range r.peers {
		if e.record.Status != protocol.StatusStale && now.Sub(e.lastSeen) > ttl {
			e.record.Status = protocol.StatusStale
			marked = append(marked, id)
		}
	}
	sink := r.onEvent
	r.mu.Unlock()

	sort.Strings(marked)
	for _, id := range marked {
		logger.Sugar.Warnf("[Registry] peer went stale: peer_id=%s ttl=%s", id, ttl)
		r.emit(sink, Event{Type: EventStale, PeerID: id, At: now})
	}
	return marked
}

// Counts reports table sizes for status output.
func (r *Registry) Counts() (peers, files, indexed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers), len(r.files), len(r.index)
}
