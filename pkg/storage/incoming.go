package storage

import (
	"fmt"
	"os"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// MaxManifestSize caps a manifest received over the wire.
const MaxManifestSize = 16 << 20

// AcceptStaged promotes a staged manifest payload into the store once it
// decodes and validates. The stored record for stem is untouched otherwise.
// The staged file is always removed.
func (s *MetadataStore) AcceptStaged(stem, staged string) (*protocol.Manifest, error) {
	defer os.Remove(staged)

	fi, err := os.Stat(staged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	if fi.Size() > MaxManifestSize {
		return nil, fmt.Errorf("%w: manifest of %d bytes exceeds %d", protocol.ErrInvalid, fi.Size(), MaxManifestSize)
	}
	data, err := os.ReadFile(staged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	return s.SaveRaw(stem, data)
}

// AcceptChunk verifies a staged chunk payload against m and renames it into
// received_chunks. A payload that does not verify is discarded with
// ErrVerificationMismatch, and a received copy that already verifies is
// never replaced. The staged file is always removed.
func (l Layout) AcceptChunk(m *protocol.Manifest, index int, staged string) error {
	defer os.Remove(staged)

	if index < 0 || index >= len(m.Chunks) {
		return fmt.Errorf("%w: chunk %d beyond manifest of %d", protocol.ErrInvalid, index, len(m.Chunks))
	}
	want := m.Chunks[index].Hash
	ok, err := VerifyFile(staged, want)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	if !ok {
		return fmt.Errorf("%w: pushed chunk %s#%d", protocol.ErrVerificationMismatch, m.FileStem, index)
	}

	dst := l.ReceivedPath(m.FileStem, index)
	if held, _ := VerifyFile(dst, want); held {
		logger.Sugar.Debugf("[Storage] verified copy already held: stem=%s chunk=%d", m.FileStem, index)
		return nil
	}
	if err := os.Rename(staged, dst); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	return nil
}
