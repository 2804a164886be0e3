package centralserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-chunknet/pkg/config"
	"tarun-kavipurapu/p2p-chunknet/pkg/discovery"
	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/monitor"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"
	"tarun-kavipurapu/p2p-chunknet/pkg/transport"
	"tarun-kavipurapu/p2p-chunknet/pkg/transport/tcp"
)

// CentralServer is the tracker process: HTTP API, wire receiver, liveness
// sweeper and optional mDNS advertisement around one Registry.
type CentralServer struct {
	cfg      *config.Config
	layout   storage.Layout
	Registry *Registry
	Events   *EventHub

	httpServer *http.Server
	listener   net.Listener
	wire       *tcp.Server
	advertiser *discovery.Advertiser

	quitCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewCentralServer(cfg *config.Config) (*CentralServer, error) {
	layout := storage.NewLayout(cfg.Storage.Root)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	host := cfg.Tracker.AdvertiseHost
	if host == "" {
		host = discovery.LANAddress()
	}
	port, err := portOf(cfg.Tracker.Listen)
	if err != nil {
		return nil, fmt.Errorf("tracker.listen: %w", err)
	}

	c := &CentralServer{
		cfg:        cfg,
		layout:     layout,
		Registry:   NewRegistry(RegistryOpts{Layout: layout, Host: host, Port: port}),
		Events:     NewEventHub(),
		advertiser: discovery.NewAdvertiser(),
		quitCh:     make(chan struct{}),
	}
	c.Registry.SetEventSink(c.Events.Publish)

	c.wire = tcp.NewServer(tcp.ServerOpts{
		ListenAddr:    cfg.Tracker.WireListen,
		Resolve:       tcp.LayoutResolver(layout),
		OnPacket:      c.onPacket,
		MaxConns:      cfg.Transfer.MaxWireConns,
		Timeout:       cfg.Transfer.WireTimeout.Duration,
		MaxHeaderSize: cfg.Transfer.MaxHeaderBytes,
	})
	return c, nil
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// Start scans persisted manifests, then brings up the HTTP API, the wire
// receiver and the background loops. It does not block.
func (c *CentralServer) Start() error {
	n, err := c.Registry.LoadFromMetadata()
	if err != nil {
		return fmt.Errorf("startup metadata scan: %w", err)
	}
	logger.Sugar.Infof("[CentralServer] loaded %d file(s) from %s", n, c.layout.MetadataDir())

	ln, err := net.Listen("tcp", c.cfg.Tracker.Listen)
	if err != nil {
		return err
	}
	c.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port
	c.Registry.SetAdvertisedAddr(c.Registry.Host(), port)

	c.httpServer = &http.Server{
		Handler:           NewRouter(c.Registry, c.Events),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Errorf("[CentralServer] http server stopped: %v", err)
		}
	}()
	logger.Sugar.Infof("[CentralServer] HTTP API on %s (advertised as %s:%d)", ln.Addr(), c.Registry.Host(), port)

	if err := c.wire.ListenAndAccept(); err != nil {
		c.httpServer.Close()
		return fmt.Errorf("wire listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go monitor.LogPeriodic(ctx, time.Minute)

	c.wg.Add(1)
	go c.sweepPeers()

	if c.cfg.Tracker.MDNS {
		c.startAdvertising(port)
	}
	return nil
}

func (c *CentralServer) startAdvertising(port int) {
	meta := map[string]string{
		discovery.RoleKey: discovery.RoleTracker,
		"version":         "1.0.0",
	}
	if wirePort, err := portOf(c.wire.Addr()); err == nil {
		meta[discovery.WirePortKey] = strconv.Itoa(wirePort)
	}
	if err := c.advertiser.Start("", port, meta); err != nil {
		logger.Sugar.Errorf("[CentralServer] Failed to start mDNS advertisement: %v", err)
		return
	}
	logger.Sugar.Infof("[CentralServer] mDNS advertisement started on port %d", port)
}

func (c *CentralServer) sweepPeers() {
	defer c.wg.Done()
	ttl := c.cfg.Tracker.PeerTTL.Duration
	interval := c.cfg.Tracker.SweepInterval.Duration
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quitCh:
			return
		case <-ticker.C:
			c.Registry.Sweep(ttl)
		}
	}
}

// onPacket promotes staged wire payloads. Metadata replaces the stored
// manifest only once it validates and is then registered; a chunk is kept
// only when it verifies against the tracker's manifest.
func (c *CentralServer) onPacket(pkt transport.Packet) error {
	h := pkt.Header
	store := storage.NewMetadataStore(c.layout.MetadataDir())
	if h.PacketType == protocol.PacketMetadata {
		m, err := store.AcceptStaged(h.FileStem, pkt.Path)
		if err != nil {
			return fmt.Errorf("received metadata unusable: %w", err)
		}
		return c.Registry.RegisterManifest(m)
	}

	m, err := store.Load(h.FileStem)
	if err != nil {
		os.Remove(pkt.Path)
		return fmt.Errorf("chunk for unknown file discarded: %w", err)
	}
	if err := c.layout.AcceptChunk(m, *h.ChunkIndex, pkt.Path); err != nil {
		return err
	}
	logger.Sugar.Infof("[CentralServer] accepted pushed chunk: stem=%s chunk=%d", m.FileStem, *h.ChunkIndex)
	return nil
}

// ChunkFile builds a manifest for path into the tracker's own store,
// persists it and registers the file.
func (c *CentralServer) ChunkFile(path string) (*protocol.Manifest, error) {
	m, err := storage.BuildManifest(path, c.cfg.Transfer.ChunkSize, c.layout.ChunksDir())
	if err != nil {
		return nil, err
	}
	if _, err := storage.NewMetadataStore(c.layout.MetadataDir()).Save(m); err != nil {
		return nil, err
	}
	if err := c.Registry.RegisterManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *CentralServer) Addr() string {
	if c.listener == nil {
		return c.cfg.Tracker.Listen
	}
	return c.listener.Addr().String()
}

func (c *CentralServer) WireAddr() string {
	return c.wire.Addr()
}

func (c *CentralServer) GetStatus() string {
	peers, files, indexed := c.Registry.Counts()
	s := monitor.Global.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Tracker HTTP API on: %s\n", c.Addr())
	fmt.Fprintf(&b, "Wire receiver on: %s\n", c.WireAddr())
	fmt.Fprintf(&b, "Known Peers: %d\n", peers)
	fmt.Fprintf(&b, "Registered Files: %d (%d with announced chunks)\n", files, indexed)
	fmt.Fprintf(&b, "Event subscribers: %d\n", c.Events.Subscribers())
	fmt.Fprintf(&b, "Chunks served: %d | Wire packets: %d (%d rejected)\n", s.ChunksServed, s.WirePackets, s.WireRejected)
	for _, f := range c.Registry.ListFiles() {
		fmt.Fprintf(&b, " - File: %s (stem: %s) Size: %d bytes, %d chunks, %s\n", f.Name, f.Stem, f.Size, f.TotalChunks, f.MimeType)
	}
	return b.String()
}

func (c *CentralServer) GetPeersList() []string {
	var list []string
	for _, p := range c.Registry.ListPeers() {
		list = append(list, fmt.Sprintf("%s %s [%s]", p.PeerID, p.Addr(), p.Status))
	}
	return list
}

func (c *CentralServer) Stop() {
	c.stopOnce.Do(func() {
		c.advertiser.Stop()
		close(c.quitCh)
		if c.cancel != nil {
			c.cancel()
		}
		if c.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.httpServer.Shutdown(ctx)
			cancel()
		}
		c.wire.Close()
		c.wg.Wait()
		logger.Sugar.Info("[CentralServer] stopped")
	})
}
