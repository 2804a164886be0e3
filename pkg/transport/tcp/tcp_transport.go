package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/monitor"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"
	"tarun-kavipurapu/p2p-chunknet/pkg/transport"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxConns = 64
)

type ServerOpts struct {
	ListenAddr    string
	Resolve       transport.PathResolver
	OnPacket      transport.Handler
	MaxConns      int
	Timeout       time.Duration
	MaxHeaderSize int
}

// Server accepts one object per connection: a framed header followed by the
// payload, which is streamed to the path chosen by Resolve.
type Server struct {
	opts     ServerOpts
	listener net.Listener
	sem      chan struct{}
	quit     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewServer(opts ServerOpts) *Server {
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = DefaultMaxHeaderSize
	}
	return &Server{
		opts: opts,
		sem:  make(chan struct{}, opts.MaxConns),
		quit: make(chan struct{}),
	}
}

// LayoutResolver stages every payload under incoming/ with a unique name.
// The packet handler validates it and promotes or removes it.
func LayoutResolver(l storage.Layout) transport.PathResolver {
	return func(h protocol.PacketHeader) (string, error) {
		var name string
		switch h.PacketType {
		case protocol.PacketMetadata:
			name = h.FileStem + ".json"
		case protocol.PacketChunk:
			name = protocol.ChunkName(h.FileStem, *h.ChunkIndex)
		default:
			return "", fmt.Errorf("%w: unknown packet type %q", protocol.ErrProtocol, h.PacketType)
		}
		return l.IncomingPath(uuid.NewString() + "_" + name), nil
	}
}

func (s *Server) ListenAndAccept() error {
	if s.opts.Resolve == nil {
		return errors.New("wire server: no path resolver")
	}
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	logger.Sugar.Infof("[Wire] listening: addr=%s max_conns=%d timeout=%s", ln.Addr(), s.opts.MaxConns, s.opts.Timeout)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, which differs from ListenAddr for ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.ListenAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		// Take a slot before accepting so a flood queues in the backlog.
		select {
		case s.sem <- struct{}{}:
		case <-s.quit:
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			<-s.sem
			select {
			case <-s.quit:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logger.Sugar.Errorf("[Wire] accept error: listen=%s err=%v", s.Addr(), err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	r := &deadlineReader{conn: conn, timeout: s.opts.Timeout}
	h, err := readFrameHeader(r, s.opts.MaxHeaderSize)
	if err != nil {
		monitor.Global.RecordWireRejected()
		logger.Sugar.Warnf("[Wire] dropped connection: remote=%s err=%v", remote, err)
		return
	}

	path, err := s.opts.Resolve(h)
	if err != nil {
		monitor.Global.RecordWireRejected()
		logger.Sugar.Warnf("[Wire] no save path: remote=%s header=%s err=%v", remote, h, err)
		return
	}

	limit := int64(-1)
	if h.PayloadLength != nil {
		limit = *h.PayloadLength
	}
	n, err := storage.WriteStreamAtomic(path, r, limit)
	if err != nil {
		monitor.Global.RecordWireRejected()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: payload truncated at %d of %d bytes", protocol.ErrProtocol, n, limit)
		}
		logger.Sugar.Errorf("[Wire] payload not saved: remote=%s header=%s err=%v", remote, h, err)
		return
	}
	monitor.Global.RecordWire(n)
	logger.Sugar.Infof("[Wire] saved: remote=%s header=%s bytes=%d path=%s", remote, h, n, path)

	if s.opts.OnPacket != nil {
		pkt := transport.Packet{From: remote, Header: h, Path: path, Size: n}
		if err := s.opts.OnPacket(pkt); err != nil {
			logger.Sugar.Warnf("[Wire] packet handler failed: header=%s err=%v", h, err)
		}
	}
}

// deadlineReader pushes the read deadline forward on every Read, so the
// timeout bounds idle time rather than the whole transfer.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Read(p)
}

// Client sends wire packets, one connection per object.
type Client struct {
	Timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{Timeout: timeout}
}

// Send writes h (with payload_length set) and exactly length bytes of payload,
// then half-closes and waits for the receiver to close its side.
func (c *Client) Send(ctx context.Context, addr string, h protocol.PacketHeader, payload io.Reader, length int64) error {
	if length < 0 {
		return fmt.Errorf("%w: negative payload length", protocol.ErrInvalid)
	}
	h.PayloadLength = &length
	if err := h.Validate(); err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := writeFrameHeader(conn, h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	written, err := io.CopyN(conn, payload, length)
	if err != nil {
		return fmt.Errorf("write payload (%d/%d bytes): %w", written, length, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.CloseWrite(); err != nil {
			return fmt.Errorf("half-close: %w", err)
		}
		// The receiver sends nothing back; EOF here means it is done.
		io.Copy(io.Discard, conn)
	}
	return nil
}

func (c *Client) SendFile(ctx context.Context, addr string, h protocol.PacketHeader, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", protocol.ErrIO, path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", protocol.ErrIO, path, err)
	}
	return c.Send(ctx, addr, h, f, fi.Size())
}
