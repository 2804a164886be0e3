package protocol

import (
	"errors"
	"strings"
	"testing"
)

func validManifest() Manifest {
	h := strings.Repeat("ab", 32)
	return Manifest{
		OriginalName: "report.pdf",
		FileStem:     "report",
		TotalChunks:  2,
		Chunks: []Chunk{
			{Index: 0, Hash: h, Filename: ChunkName("report", 0), Size: 10},
			{Index: 1, Hash: h, Filename: ChunkName("report", 1), Size: 4},
		},
	}
}

func TestManifestValidate(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid manifest, got %v", err)
	}
	if m.FileSize() != 14 {
		t.Fatalf("expected size 14, got %d", m.FileSize())
	}

	bad := validManifest()
	bad.TotalChunks = 3
	if err := bad.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for count mismatch, got %v", err)
	}

	gap := validManifest()
	gap.Chunks[1].Index = 2
	if err := gap.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for index gap, got %v", err)
	}

	hash := validManifest()
	hash.Chunks[0].Hash = "zz"
	if err := hash.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for bad hash, got %v", err)
	}
}

func TestEmptyManifestIsValid(t *testing.T) {
	m := Manifest{FileStem: "empty", OriginalName: "empty.txt"}
	if err := m.Validate(); err != nil {
		t.Fatalf("empty manifest should be valid: %v", err)
	}
}

func TestPacketHeaderValidate(t *testing.T) {
	if err := ChunkHeader("movie", 3).Validate(); err != nil {
		t.Fatalf("chunk header: %v", err)
	}
	if err := MetadataHeader("movie").Validate(); err != nil {
		t.Fatalf("metadata header: %v", err)
	}

	cases := []PacketHeader{
		{PacketType: PacketChunk, FileStem: "movie"},
		{PacketType: "blob", FileStem: "movie"},
		{PacketType: PacketMetadata},
	}
	for _, h := range cases {
		if err := h.Validate(); !errors.Is(err, ErrProtocol) {
			t.Errorf("header %+v: expected ErrProtocol, got %v", h, err)
		}
	}
}

func TestPeerRecordValidate(t *testing.T) {
	ok := PeerRecord{PeerID: "p1", Host: "10.0.0.2", Port: 9000}
	if err := ok.Validate(); err != nil {
		t.Fatal(err)
	}
	if ok.Addr() != "10.0.0.2:9000" {
		t.Fatalf("unexpected addr %s", ok.Addr())
	}
	if err := (PeerRecord{Host: "h", Port: 1}).Validate(); err == nil {
		t.Fatal("expected error for missing peer_id")
	}
	if err := (PeerRecord{PeerID: "p", Host: "h", Port: 70000}).Validate(); err == nil {
		t.Fatal("expected error for bad port")
	}
}
