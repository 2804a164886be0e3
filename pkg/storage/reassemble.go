package storage

import (
	"fmt"
	"io"
	"os"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// ChunkLocator returns the local path holding chunk index.
type ChunkLocator func(index int) (string, error)

// ReassembleFile writes every chunk of m to dest in ascending index order.
// The output is built in a temp file and renamed over dest on success.
func ReassembleFile(m *protocol.Manifest, dest string, locate ChunkLocator) error {
	_, err := writeAtomic(dest, func(w io.Writer) (int64, error) {
		var total int64
		for i := 0; i < m.TotalChunks; i++ {
			path, err := locate(i)
			if err != nil {
				return total, fmt.Errorf("chunk %d: %w", i, err)
			}
			n, err := copyFile(w, path)
			total += n
			if err != nil {
				return total, fmt.Errorf("%w: chunk %d: %v", protocol.ErrIO, i, err)
			}
		}
		return total, nil
	})
	if err != nil {
		return fmt.Errorf("error reassembling %s: %w", dest, err)
	}
	return nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
