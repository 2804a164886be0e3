package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Peer statuses as reported in PeerRecord.Status.
const (
	StatusActive = "active"
	StatusStale  = "stale"
)

// Join outcomes.
const (
	JoinApproved = "approved"
	JoinRejoined = "rejoined"
)

// TrackerOwnerID is the synthetic identity of the tracker's own chunk store.
// It is never compared against real peer ids: owner kind decides.
const TrackerOwnerID = "tracker"

// --- Domain Types ---

type Chunk struct {
	Index    int    `json:"index"`
	Hash     string `json:"hash"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Manifest describes how to reassemble one file from its chunks.
type Manifest struct {
	OriginalName      string  `json:"original_name"`
	OriginalExtension string  `json:"original_extension"`
	FileStem          string  `json:"file_stem"`
	MimeType          string  `json:"mime_type"`
	TotalChunks       int     `json:"total_chunks"`
	Chunks            []Chunk `json:"chunks"`
}

// ChunkName returns the on-disk name of chunk index for stem.
func ChunkName(stem string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", stem, index)
}

// FileSize is the sum of all chunk sizes.
func (m *Manifest) FileSize() int64 {
	var total int64
	for _, c := range m.Chunks {
		total += c.Size
	}
	return total
}

// Validate checks the manifest invariants: total_chunks matches the chunk
// list, indices are exactly 0..n-1 in order, and hashes are hex SHA-256.
func (m *Manifest) Validate() error {
	if m.FileStem == "" {
		return fmt.Errorf("%w: manifest missing file_stem", ErrInvalid)
	}
	if m.TotalChunks != len(m.Chunks) {
		return fmt.Errorf("%w: total_chunks=%d but %d chunks listed", ErrInvalid, m.TotalChunks, len(m.Chunks))
	}
	for i, c := range m.Chunks {
		if c.Index != i {
			return fmt.Errorf("%w: chunk at position %d has index %d", ErrInvalid, i, c.Index)
		}
		if !IsSHA256Hex(c.Hash) {
			return fmt.Errorf("%w: chunk %d has malformed hash %q", ErrInvalid, i, c.Hash)
		}
		if c.Size <= 0 {
			return fmt.Errorf("%w: chunk %d has size %d", ErrInvalid, i, c.Size)
		}
	}
	return nil
}

// IsSHA256Hex reports whether s is a 64 character hex string.
func IsSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

type PeerRecord struct {
	PeerID string `json:"peer_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Status string `json:"status"`
}

// Addr returns host:port of the peer's HTTP chunk server.
func (p PeerRecord) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

type JoinRequest = PeerRecord

// Validate rejects join requests that cannot be routed to.
func (p PeerRecord) Validate() error {
	if strings.TrimSpace(p.PeerID) == "" {
		return fmt.Errorf("%w: peer_id is required", ErrInvalid)
	}
	if p.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalid)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, p.Port)
	}
	return nil
}

type JoinResponse struct {
	Status    string `json:"status"`
	Token     string `json:"token"`
	PeerID    string `json:"peer_id"`
	TrackerIP string `json:"tracker_ip"`
}

type Announcement struct {
	FileStem   string `json:"file_stem"`
	ChunkIndex *int   `json:"chunk_index"`
}

func (a Announcement) Validate() error {
	if a.FileStem == "" {
		return fmt.Errorf("%w: file_stem is required", ErrInvalid)
	}
	if a.ChunkIndex == nil || *a.ChunkIndex < 0 {
		return fmt.Errorf("%w: chunk_index is required", ErrInvalid)
	}
	return nil
}

type OwnerKind string

const (
	OwnerTracker OwnerKind = "tracker"
	OwnerPeer    OwnerKind = "peer"
)

// Owner is a node known to hold a chunk. Kind distinguishes the tracker's
// own store from announced peers.
type Owner struct {
	Kind   OwnerKind `json:"type"`
	PeerID string    `json:"peer_id"`
	Host   string    `json:"host"`
	Port   int       `json:"port"`
	Status string    `json:"status,omitempty"`
}

func (o Owner) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

func TrackerOwner(host string, port int) Owner {
	return Owner{Kind: OwnerTracker, PeerID: TrackerOwnerID, Host: host, Port: port, Status: StatusActive}
}

func PeerOwner(p PeerRecord) Owner {
	return Owner{Kind: OwnerPeer, PeerID: p.PeerID, Host: p.Host, Port: p.Port, Status: p.Status}
}

type OwnersResponse struct {
	Owners []Owner `json:"owners"`
}

// FileSummary is one row of GET /files.
type FileSummary struct {
	Stem        string `json:"stem"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"total_chunks"`
	MimeType    string `json:"mime_type"`
}

type FileRegistration struct {
	FileStem     string `json:"file_stem"`
	OriginalName string `json:"original_name"`
	TotalChunks  int    `json:"total_chunks"`
	MimeType     string `json:"mime_type"`
	FileSize     int64  `json:"file_size,omitempty"`
}

func (f FileRegistration) Validate() error {
	if f.FileStem == "" {
		return fmt.Errorf("%w: file_stem is required", ErrInvalid)
	}
	if f.TotalChunks < 0 {
		return fmt.Errorf("%w: total_chunks must not be negative", ErrInvalid)
	}
	return nil
}

type StatusResponse struct {
	Status   string `json:"status"`
	FileStem string `json:"file_stem,omitempty"`
}
