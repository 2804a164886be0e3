package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tarun-kavipurapu/p2p-chunknet/pkg/config"
	"tarun-kavipurapu/p2p-chunknet/pkg/discovery"
	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/monitor"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"
	"tarun-kavipurapu/p2p-chunknet/pkg/transport"
	"tarun-kavipurapu/p2p-chunknet/pkg/transport/tcp"
)

// StateFileName is the peer's bbolt state file under the storage root.
const StateFileName = "peer-state.db"

// TrackerMDNS as tracker_url makes the peer look the tracker up via mDNS.
const TrackerMDNS = "mdns"

// PeerServer is one peer process: the chunk HTTP server other peers fetch
// from, the wire receiver, the tracker session and the download orchestrator.
type PeerServer struct {
	cfg      *config.Config
	layout   storage.Layout
	metadata *storage.MetadataStore
	state    *storage.StateStore
	peerID   string
	host     string

	// trackerWire is the tracker's wire receiver, where chunked manifests go.
	trackerWire string

	Tracker    *TrackerClient
	orch       *Orchestrator
	wire       *tcp.Server
	wireClient *tcp.Client

	httpServer *http.Server
	listener   net.Listener

	quitCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewPeerServer(cfg *config.Config) (*PeerServer, error) {
	layout := storage.NewLayout(cfg.Storage.Root)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	state, err := storage.OpenStateStore(filepath.Join(cfg.Storage.Root, StateFileName))
	if err != nil {
		return nil, err
	}

	peerID := cfg.Peer.PeerID
	if peerID == "" {
		peerID, err = state.LoadOrCreatePeerID(uuid.NewString)
		if err != nil {
			state.Close()
			return nil, err
		}
	}

	trackerURL, trackerWire, err := resolveTracker(cfg.Peer)
	if err != nil {
		state.Close()
		return nil, err
	}

	host := cfg.Peer.AdvertiseHost
	if host == "" {
		host = discovery.LANAddress()
	}

	p := &PeerServer{
		cfg:        cfg,
		layout:     layout,
		metadata:   storage.NewMetadataStore(layout.MetadataDir()),
		state:      state,
		peerID:     peerID,
		host:       host,
		Tracker:    NewTrackerClient(trackerURL, cfg.Transfer.HTTPTimeout.Duration),
		wireClient: tcp.NewClient(cfg.Transfer.WireTimeout.Duration),
		quitCh:     make(chan struct{}),
	}
	p.trackerWire = trackerWire
	p.orch = NewOrchestrator(OrchestratorOpts{
		Layout:  layout,
		Tracker: p.Tracker,
		Fetcher: p.Tracker,
		State:   state,
		SelfID:  peerID,
	})
	p.wire = tcp.NewServer(tcp.ServerOpts{
		ListenAddr:    cfg.Peer.WireListen,
		Resolve:       tcp.LayoutResolver(layout),
		OnPacket:      p.onPacket,
		MaxConns:      cfg.Transfer.MaxWireConns,
		Timeout:       cfg.Transfer.WireTimeout.Duration,
		MaxHeaderSize: cfg.Transfer.MaxHeaderBytes,
	})

	logger.Sugar.Infof("[PeerServer] Initialized: peer_id=%s tracker=%s", peerID, trackerURL)
	return p, nil
}

// resolveTracker returns the tracker's HTTP base URL and wire address. With
// tracker_url set to "mdns" both come from the tracker's advertisement.
func resolveTracker(pc config.PeerConfig) (string, string, error) {
	if pc.TrackerURL != TrackerMDNS {
		return pc.TrackerURL, pc.TrackerWire, nil
	}
	info, err := discovery.FindTracker(context.Background(), 3*time.Second)
	if err != nil {
		return "", "", fmt.Errorf("tracker lookup: %w", err)
	}
	wire := pc.TrackerWire
	if port, ok := info.Meta[discovery.WirePortKey]; ok && len(info.IPs) > 0 {
		wire = net.JoinHostPort(info.IPs[0], port)
	}
	logger.Sugar.Infof("[PeerServer] Found tracker via mDNS: url=%s wire=%s", info.URL(), wire)
	return info.URL(), wire, nil
}

// Start brings up the chunk server and wire receiver, joins the tracker and
// starts heartbeats. A failed join is retried by the heartbeat loop.
func (p *PeerServer) Start() error {
	ln, err := net.Listen("tcp", p.cfg.Peer.Listen)
	if err != nil {
		return err
	}
	p.listener = ln

	p.httpServer = &http.Server{
		Handler:           NewChunkRouter(p.layout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Errorf("[PeerServer] chunk server stopped: %v", err)
		}
	}()
	logger.Sugar.Infof("[PeerServer] Chunk server on %s", ln.Addr())

	if err := p.wire.ListenAndAccept(); err != nil {
		p.httpServer.Close()
		return fmt.Errorf("wire listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go monitor.LogPeriodic(ctx, time.Minute)

	if err := p.join(ctx); err != nil {
		logger.Sugar.Warnf("[PeerServer] Warning: Failed to join tracker: %v", err)
	}

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)
	return nil
}

func (p *PeerServer) port() int {
	if p.listener != nil {
		return p.listener.Addr().(*net.TCPAddr).Port
	}
	_, s, _ := net.SplitHostPort(p.cfg.Peer.Listen)
	n, _ := strconv.Atoi(s)
	return n
}

func (p *PeerServer) join(ctx context.Context) error {
	rec := protocol.PeerRecord{PeerID: p.peerID, Host: p.host, Port: p.port(), Status: protocol.StatusActive}
	resp, err := p.Tracker.Join(ctx, rec)
	if err != nil {
		return err
	}
	logger.Sugar.Infof("[PeerServer] Joined tracker: status=%s tracker_ip=%s", resp.Status, resp.TrackerIP)

	n, err := p.orch.AnnounceHeld(ctx)
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] Announcing held chunks stopped after %d: %v", n, err)
	} else if n > 0 {
		logger.Sugar.Infof("[PeerServer] Announced %d held chunk(s)", n)
	}
	return nil
}

func (p *PeerServer) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.cfg.Peer.Heartbeat.Duration
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quitCh:
			return
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

// beat sends one heartbeat, rejoining when the tracker no longer knows the
// token (it restarted) or no join has succeeded yet.
func (p *PeerServer) beat(ctx context.Context) {
	if _, tok := p.Tracker.Credentials(); tok != "" {
		err := p.Tracker.Heartbeat(ctx)
		if err == nil {
			return
		}
		if !IsUnauthorized(err) {
			logger.Sugar.Warnf("[PeerServer] Heartbeat failed: %v", err)
			return
		}
		logger.Sugar.Infof("[PeerServer] Heartbeat rejected, rejoining")
	}
	if err := p.join(ctx); err != nil {
		logger.Sugar.Warnf("[PeerServer] Rejoin failed: %v", err)
	}
}

func (p *PeerServer) Download(ctx context.Context, stem string, progress *DownloadTracker) Result {
	return p.orch.Download(ctx, stem, progress)
}

func (p *PeerServer) Repair(ctx context.Context, stem string, progress *DownloadTracker) Result {
	return p.orch.Repair(ctx, stem, progress)
}

// ChunkFile builds a manifest for path into the local source store, announces
// every chunk, pushes the manifest to the tracker's wire receiver and
// registers the file.
func (p *PeerServer) ChunkFile(ctx context.Context, path string) (*protocol.Manifest, error) {
	m, err := storage.BuildManifest(path, p.cfg.Transfer.ChunkSize, p.layout.ChunksDir())
	if err != nil {
		return nil, err
	}
	metaPath, err := p.metadata.Save(m)
	if err != nil {
		return nil, err
	}
	for i := range m.Chunks {
		if err := p.Tracker.Announce(ctx, m.FileStem, i); err != nil {
			return m, fmt.Errorf("announce chunk %d: %w", i, err)
		}
	}

	if addr := p.trackerWire; addr != "" {
		if err := p.wireClient.SendFile(ctx, addr, protocol.MetadataHeader(m.FileStem), metaPath); err != nil {
			logger.Sugar.Warnf("[PeerServer] Manifest push to tracker failed: addr=%s error=%v", addr, err)
		}
	}

	reg := protocol.FileRegistration{
		FileStem:     m.FileStem,
		OriginalName: m.OriginalName,
		TotalChunks:  m.TotalChunks,
		MimeType:     m.MimeType,
		FileSize:     m.FileSize(),
	}
	if err := p.Tracker.RegisterFile(ctx, reg); err != nil {
		return m, fmt.Errorf("register file: %w", err)
	}
	logger.Sugar.Infof("[PeerServer] Successfully registered file: %s (stem: %s, %d chunks)", m.OriginalName, m.FileStem, m.TotalChunks)
	return m, nil
}

// PushFile sends the manifest and then every chunk of stem to the wire
// receiver at addr, stopping at the first failure.
func (p *PeerServer) PushFile(ctx context.Context, addr, stem string) error {
	m, err := p.metadata.Load(stem)
	if err != nil {
		return err
	}
	if err := p.wireClient.SendFile(ctx, addr, protocol.MetadataHeader(m.FileStem), p.layout.MetadataPath(m.FileStem)); err != nil {
		return fmt.Errorf("push metadata: %w", err)
	}
	for i := range m.Chunks {
		path, ok := p.layout.LocateChunk(m.FileStem, i)
		if !ok {
			return fmt.Errorf("push chunk %d: %w", i, protocol.ErrNotFound)
		}
		if err := p.wireClient.SendFile(ctx, addr, protocol.ChunkHeader(m.FileStem, i), path); err != nil {
			return fmt.Errorf("push chunk %d: %w", i, err)
		}
	}
	logger.Sugar.Infof("[PeerServer] Pushed %s to %s: %d chunks", m.FileStem, addr, m.TotalChunks)
	return nil
}

// onPacket promotes staged wire payloads. A manifest is stored once it
// validates; a chunk is kept and announced only when it verifies against a
// locally known manifest.
func (p *PeerServer) onPacket(pkt transport.Packet) error {
	h := pkt.Header
	if h.PacketType == protocol.PacketMetadata {
		m, err := p.metadata.AcceptStaged(h.FileStem, pkt.Path)
		if err != nil {
			return fmt.Errorf("received metadata unusable: %w", err)
		}
		logger.Sugar.Infof("[PeerServer] Received manifest: stem=%s chunks=%d", m.FileStem, m.TotalChunks)
		return nil
	}

	idx := *h.ChunkIndex
	m, err := p.metadata.Load(h.FileStem)
	if err != nil {
		os.Remove(pkt.Path)
		return fmt.Errorf("chunk %s#%d without manifest discarded: %w", h.FileStem, idx, err)
	}
	if err := p.layout.AcceptChunk(m, idx, pkt.Path); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Transfer.HTTPTimeout.Duration)
	defer cancel()
	return p.Tracker.Announce(ctx, m.FileStem, idx)
}

func (p *PeerServer) PeerID() string { return p.peerID }

func (p *PeerServer) Addr() string {
	if p.listener == nil {
		return p.cfg.Peer.Listen
	}
	return p.listener.Addr().String()
}

func (p *PeerServer) WireAddr() string {
	return p.wire.Addr()
}

func (p *PeerServer) Layout() storage.Layout {
	return p.layout
}

// LocalFiles lists the manifests stored on this peer.
func (p *PeerServer) LocalFiles() ([]*protocol.Manifest, error) {
	return p.metadata.List()
}

func (p *PeerServer) GetStatus() string {
	s := monitor.Global.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "Peer ID: %s\n", p.peerID)
	fmt.Fprintf(&b, "Chunk server on: %s (advertised as %s:%d)\n", p.Addr(), p.host, p.port())
	fmt.Fprintf(&b, "Wire receiver on: %s\n", p.WireAddr())
	fmt.Fprintf(&b, "Tracker: %s\n", p.Tracker.BaseURL())
	fmt.Fprintf(&b, "Fetched: %d chunks, %d bytes (%d failures) | Served: %d\n",
		s.ChunksFetched, s.BytesFetched, s.FetchFailures, s.ChunksServed)

	if files, err := p.metadata.List(); err == nil {
		for _, m := range files {
			fmt.Fprintf(&b, " - Local: %s (stem: %s) %d chunks\n", m.OriginalName, m.FileStem, m.TotalChunks)
		}
	}
	if recs, err := p.state.Downloads(); err == nil {
		for _, r := range recs {
			line := fmt.Sprintf(" - Download: %s %s at %s", r.FileStem, r.Outcome, r.At.Format(time.RFC3339))
			if r.FailedIndex >= 0 && r.Outcome != Complete.String() {
				line += fmt.Sprintf(" (chunk %d)", r.FailedIndex)
			}
			fmt.Fprintln(&b, line)
		}
	}
	return b.String()
}

func (p *PeerServer) Stop() {
	p.stopOnce.Do(func() {
		close(p.quitCh)
		if p.cancel != nil {
			p.cancel()
		}
		if p.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.httpServer.Shutdown(ctx)
			cancel()
		}
		p.wire.Close()
		p.wg.Wait()
		p.state.Close()
		logger.Sugar.Info("[PeerServer] stopped")
	})
}
