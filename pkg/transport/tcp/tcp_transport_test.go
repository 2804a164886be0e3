package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
	"tarun-kavipurapu/p2p-chunknet/pkg/storage"
	"tarun-kavipurapu/p2p-chunknet/pkg/transport"
)

type packetLog struct {
	ch chan transport.Packet
}

func newPacketLog() *packetLog {
	return &packetLog{ch: make(chan transport.Packet, 16)}
}

func (l *packetLog) handle(p transport.Packet) error {
	l.ch <- p
	return nil
}

func (l *packetLog) wait(t *testing.T) transport.Packet {
	t.Helper()
	select {
	case p := <-l.ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return transport.Packet{}
}

func startServer(t *testing.T) (*Server, storage.Layout, *packetLog) {
	t.Helper()
	return startServerWith(t, 4, 2*time.Second)
}

func startServerWith(t *testing.T, maxConns int, timeout time.Duration) (*Server, storage.Layout, *packetLog) {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	log := newPacketLog()
	srv := NewServer(ServerOpts{
		ListenAddr: "127.0.0.1:0",
		Resolve:    LayoutResolver(layout),
		OnPacket:   log.handle,
		MaxConns:   maxConns,
		Timeout:    timeout,
	})
	if err := srv.ListenAndAccept(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, layout, log
}

func rawFrame(t *testing.T, h protocol.PacketHeader) []byte {
	t.Helper()
	body, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	return append(buf, body...)
}

func TestSendChunkRoundTrip(t *testing.T) {
	srv, layout, log := startServer(t)
	client := NewClient(2 * time.Second)

	payload := bytes.Repeat([]byte("chunk-data"), 1000)
	err := client.Send(context.Background(), srv.Addr(), protocol.ChunkHeader("movie", 3), bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	p := log.wait(t)
	if filepath.Dir(p.Path) != layout.IncomingDir() || !strings.HasSuffix(p.Path, "_movie_chunk_3") {
		t.Fatalf("staged at %s", p.Path)
	}
	if p.Size != int64(len(payload)) {
		t.Fatalf("size %d", p.Size)
	}
	got, err := os.ReadFile(p.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestSendFileMetadata(t *testing.T) {
	srv, layout, log := startServer(t)

	src := filepath.Join(t.TempDir(), "m.json")
	if err := os.WriteFile(src, []byte(`{"file_stem":"movie"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := NewClient(time.Second).SendFile(context.Background(), srv.Addr(), protocol.MetadataHeader("movie"), src); err != nil {
		t.Fatal(err)
	}
	p := log.wait(t)
	if filepath.Dir(p.Path) != layout.IncomingDir() || !strings.HasSuffix(p.Path, "_movie.json") {
		t.Fatalf("staged at %s", p.Path)
	}
	if _, err := os.Stat(layout.MetadataPath("movie")); !os.IsNotExist(err) {
		t.Fatalf("metadata written before the handler ran: %v", err)
	}
}

func TestLegacyFramingReadsUntilEOF(t *testing.T) {
	srv, _, log := startServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	conn.Write(rawFrame(t, protocol.ChunkHeader("old", 0)))
	conn.Write([]byte("no length field"))
	conn.(*net.TCPConn).CloseWrite()
	defer conn.Close()

	p := log.wait(t)
	got, _ := os.ReadFile(p.Path)
	if string(got) != "no length field" || p.Size != 15 {
		t.Fatalf("got %q size=%d", got, p.Size)
	}
}

func TestShortPayloadIsDiscarded(t *testing.T) {
	srv, layout, _ := startServer(t)

	n := int64(100)
	h := protocol.ChunkHeader("short", 1)
	h.PayloadLength = &n

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	conn.Write(rawFrame(t, h))
	conn.Write([]byte("only ten b"))
	conn.(*net.TCPConn).CloseWrite()
	// wait for the server to close its side
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	conn.Read(buf)
	conn.Close()

	entries, _ := os.ReadDir(layout.IncomingDir())
	if len(entries) != 0 {
		t.Fatalf("leftover files: %d", len(entries))
	}
}

func TestMalformedHeaderDropsConnection(t *testing.T) {
	srv, layout, _ := startServer(t)

	cases := map[string][]byte{
		"oversized": {0xff, 0xff, 0xff, 0xff},
		"zero":      {0, 0, 0, 0},
		"bad json":  append([]byte{0, 0, 0, 3}, []byte("{{{")...),
		"truncated": append([]byte{0, 0, 0, 50}, []byte(`{"packet_type"`)...),
		"no stem":   rawFrame(t, protocol.PacketHeader{PacketType: protocol.PacketMetadata}),
		"short len": {0, 0},
	}
	for name, frame := range cases {
		conn, err := net.Dial("tcp", srv.Addr())
		if err != nil {
			t.Fatal(err)
		}
		conn.Write(frame)
		conn.(*net.TCPConn).CloseWrite()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		buf := make([]byte, 1)
		if _, err := conn.Read(buf); err == nil {
			t.Errorf("%s: expected connection to be closed", name)
		}
		conn.Close()
	}

	for _, dir := range []string{layout.IncomingDir(), layout.ReceivedDir(), layout.MetadataDir()} {
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Fatalf("%s should be empty, has %d entries", dir, len(entries))
		}
	}
}

func TestReadFrameHeaderErrors(t *testing.T) {
	_, err := readFrameHeader(bytes.NewReader([]byte{0, 0, 0, 10, '{'}), DefaultMaxHeaderSize)
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}

	var buf bytes.Buffer
	if err := writeFrameHeader(&buf, protocol.ChunkHeader("s", 2)); err != nil {
		t.Fatal(err)
	}
	h, err := readFrameHeader(&buf, DefaultMaxHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	if h.FileStem != "s" || *h.ChunkIndex != 2 || h.PayloadLength != nil {
		t.Fatalf("decoded %+v", h)
	}

	buf.Reset()
	writeFrameHeader(&buf, protocol.ChunkHeader("s", 2))
	if _, err := readFrameHeader(&buf, 8); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected cap to reject header, got %v", err)
	}
}

func TestConcurrentSends(t *testing.T) {
	srv, _, log := startServer(t)
	client := NewClient(2 * time.Second)

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i)}, 4096)
			errs <- client.Send(context.Background(), srv.Addr(), protocol.ChunkHeader("many", i), bytes.NewReader(data), int64(len(data)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		p := log.wait(t)
		fi, err := os.Stat(p.Path)
		if err != nil || fi.Size() != 4096 {
			t.Fatalf("chunk %d: %v", *p.Header.ChunkIndex, err)
		}
		seen[*p.Header.ChunkIndex] = true
	}
	if len(seen) != n {
		t.Fatalf("distinct chunks %d", len(seen))
	}
}

func (l *packetLog) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case p := <-l.ch:
		t.Fatalf("unexpected packet %s", p.Header)
	case <-time.After(within):
	}
}

func TestMaxConnsQueuesExtraConnections(t *testing.T) {
	srv, _, log := startServerWith(t, 1, 5*time.Second)

	stalled, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer stalled.Close()
	stalled.Write([]byte{0, 0})

	done := make(chan error, 1)
	go func() {
		data := []byte("queued")
		done <- NewClient(5*time.Second).Send(context.Background(), srv.Addr(), protocol.ChunkHeader("q", 0), bytes.NewReader(data), int64(len(data)))
	}()

	log.none(t, 300*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("send finished while the only slot was held: %v", err)
	default:
	}

	stalled.Close()
	p := log.wait(t)
	if *p.Header.ChunkIndex != 0 || p.Size != 6 {
		t.Fatalf("packet %s size=%d", p.Header, p.Size)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestIdleSenderIsDropped(t *testing.T) {
	srv, layout, log := startServerWith(t, 4, 200*time.Millisecond)

	n := int64(100)
	h := protocol.ChunkHeader("idle", 0)
	h.PayloadLength = &n
	frames := map[string][]byte{
		"header only":  rawFrame(t, h),
		"part payload": append(rawFrame(t, h), []byte("ten bytes!")...),
		"part header":  rawFrame(t, h)[:6],
	}
	for name, frame := range frames {
		conn, err := net.Dial("tcp", srv.Addr())
		if err != nil {
			t.Fatal(err)
		}
		conn.Write(frame)

		start := time.Now()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		buf := make([]byte, 1)
		_, err = conn.Read(buf)
		conn.Close()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("%s: server kept the idle connection open", name)
		}
		if time.Since(start) > 2*time.Second {
			t.Fatalf("%s: dropped after %s", name, time.Since(start))
		}
	}

	log.none(t, 100*time.Millisecond)
	for _, dir := range []string{layout.IncomingDir(), layout.ReceivedDir()} {
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Fatalf("%s should be empty, has %d entries", dir, len(entries))
		}
	}
}
