package transport

import (
	"context"
	"io"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// Packet describes one payload that has been received and stored.
type Packet struct {
	From   string
	Header protocol.PacketHeader
	Path   string
	Size   int64
}

// PathResolver decides where the payload of a packet is saved.
type PathResolver func(h protocol.PacketHeader) (string, error)

// Handler is called after a packet's payload is fully on disk. It owns the
// file at pkt.Path from then on.
type Handler func(pkt Packet) error

// Sender pushes one header + payload to a remote receiver.
type Sender interface {
	Send(ctx context.Context, addr string, h protocol.PacketHeader, payload io.Reader, length int64) error
	SendFile(ctx context.Context, addr string, h protocol.PacketHeader, path string) error
}
