package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// DefaultChunkSize is used when BuildManifest is given a non-positive size.
const DefaultChunkSize = 512 * 1024

// FileStem is the file name without its final extension.
func FileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// BuildManifest streams filePath in chunkSize pieces, writes each piece
// unmodified to outputDir/{stem}_chunk_{i} and returns the manifest.
//
// An empty file yields a manifest with zero chunks. A read or write failure
// part way through returns an error and leaves already written chunk files
// in place; the caller must treat the build as unusable and re-run it.
func BuildManifest(filePath string, chunkSize int64, outputDir string) (*protocol.Manifest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	src, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", protocol.ErrIO, filePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create chunk directory: %v", protocol.ErrIO, err)
	}

	stem := SanitizeStem(FileStem(filePath))
	manifest := &protocol.Manifest{
		OriginalName:      filepath.Base(filePath),
		OriginalExtension: filepath.Ext(filePath),
		FileStem:          stem,
		MimeType:          DetectMimeType(filePath),
		Chunks:            []protocol.Chunk{},
	}

	buf := make([]byte, chunkSize)
	for index := 0; ; index++ {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			data := buf[:n]
			name := protocol.ChunkName(stem, index)
			if err := os.WriteFile(filepath.Join(outputDir, name), data, 0644); err != nil {
				return nil, fmt.Errorf("%w: chunk %d write error: %v", protocol.ErrIO, index, err)
			}
			manifest.Chunks = append(manifest.Chunks, protocol.Chunk{
				Index:    index,
				Hash:     HashBytes(data),
				Filename: name,
				Size:     int64(n),
			})
		}

		// ErrUnexpectedEOF means a short final chunk was read
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("%w: chunk %d read error: %v", protocol.ErrIO, index, readErr)
		}
	}
	manifest.TotalChunks = len(manifest.Chunks)

	logger.Sugar.Infof("[Chunker] built manifest: stem=%s chunks=%d mime=%s", stem, manifest.TotalChunks, manifest.MimeType)
	return manifest, nil
}
