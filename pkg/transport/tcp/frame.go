package tcp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// Frame layout:
//
//	[4 bytes big-endian header length N]
//	[N bytes UTF-8 JSON header]
//	[payload: payload_length bytes, or until the sender half-closes]
const LengthPrefixSize = 4

// DefaultMaxHeaderSize bounds the JSON header a receiver will buffer.
const DefaultMaxHeaderSize = 64 * 1024

// writeFrameHeader writes the length prefix and JSON header to w
func writeFrameHeader(w io.Writer, h protocol.PacketHeader) error {
	body, err := json.Marshal(h)
	if err != nil {
		return err
	}
	buf := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[LengthPrefixSize:], body)

	_, err = w.Write(buf)
	return err
}

// readFrameHeader reads exactly one length prefix and header from r. Every
// failure is wrapped in protocol.ErrProtocol.
func readFrameHeader(r io.Reader, maxSize int) (protocol.PacketHeader, error) {
	var h protocol.PacketHeader

	prefix := make([]byte, LengthPrefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return h, fmt.Errorf("%w: read length prefix: %v", protocol.ErrProtocol, err)
	}
	length := binary.BigEndian.Uint32(prefix)
	if length == 0 || int64(length) > int64(maxSize) {
		return h, fmt.Errorf("%w: invalid header length %d (max %d)", protocol.ErrProtocol, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return h, fmt.Errorf("%w: truncated header (%d bytes): %v", protocol.ErrProtocol, length, err)
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("%w: malformed header json: %v", protocol.ErrProtocol, err)
	}
	if err := h.Validate(); err != nil {
		return h, err
	}
	return h, nil
}
