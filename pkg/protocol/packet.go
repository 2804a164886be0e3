package protocol

import "fmt"

// Packet types carried in a wire header.
const (
	PacketMetadata = "metadata"
	PacketChunk    = "chunk"
)

// PacketHeader is the JSON header of one wire transfer frame.
//
// PayloadLength is optional: frames from older senders omit it and the
// payload then runs until the sender closes its write side.
type PacketHeader struct {
	PacketType    string `json:"packet_type"`
	FileStem      string `json:"file_stem"`
	ChunkIndex    *int   `json:"chunk_index,omitempty"`
	PayloadLength *int64 `json:"payload_length,omitempty"`
}

func MetadataHeader(stem string) PacketHeader {
	return PacketHeader{PacketType: PacketMetadata, FileStem: stem}
}

func ChunkHeader(stem string, index int) PacketHeader {
	return PacketHeader{PacketType: PacketChunk, FileStem: stem, ChunkIndex: &index}
}

// Validate checks that the header names a save location.
func (h PacketHeader) Validate() error {
	if h.FileStem == "" {
		return fmt.Errorf("%w: header missing file_stem", ErrProtocol)
	}
	switch h.PacketType {
	case PacketMetadata:
	case PacketChunk:
		if h.ChunkIndex == nil || *h.ChunkIndex < 0 {
			return fmt.Errorf("%w: chunk header missing chunk_index", ErrProtocol)
		}
	default:
		return fmt.Errorf("%w: unknown packet_type %q", ErrProtocol, h.PacketType)
	}
	if h.PayloadLength != nil && *h.PayloadLength < 0 {
		return fmt.Errorf("%w: negative payload_length", ErrProtocol)
	}
	return nil
}

func (h PacketHeader) String() string {
	if h.PacketType == PacketChunk && h.ChunkIndex != nil {
		return fmt.Sprintf("%s[%s#%d]", h.PacketType, h.FileStem, *h.ChunkIndex)
	}
	return fmt.Sprintf("%s[%s]", h.PacketType, h.FileStem)
}
