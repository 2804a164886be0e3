package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// Layout is the on-disk arrangement under one storage root:
//
//	metadata/{stem}.json
//	chunks/{stem}_chunk_{i}           source-side chunks
//	received_chunks/{stem}_chunk_{i}  fetched chunks
//	downloads/{original_name}         reassembled output
//	incoming/                         wire payloads awaiting validation
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) MetadataDir() string  { return filepath.Join(l.Root, "metadata") }
func (l Layout) ChunksDir() string    { return filepath.Join(l.Root, "chunks") }
func (l Layout) ReceivedDir() string  { return filepath.Join(l.Root, "received_chunks") }
func (l Layout) DownloadsDir() string { return filepath.Join(l.Root, "downloads") }
func (l Layout) IncomingDir() string  { return filepath.Join(l.Root, "incoming") }

// Ensure creates every directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.MetadataDir(), l.ChunksDir(), l.ReceivedDir(), l.DownloadsDir(), l.IncomingDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: failed to create %s: %v", protocol.ErrIO, dir, err)
		}
	}
	return nil
}

// SanitizeStem makes a stem safe to use as a single path element.
func SanitizeStem(stem string) string {
	s := strings.NewReplacer("/", "_", "\\", "_").Replace(stem)
	switch s {
	case "", ".", "..":
		return "_"
	}
	return s
}

func (l Layout) MetadataPath(stem string) string {
	return filepath.Join(l.MetadataDir(), SanitizeStem(stem)+".json")
}

func (l Layout) ChunkPath(stem string, index int) string {
	return filepath.Join(l.ChunksDir(), protocol.ChunkName(SanitizeStem(stem), index))
}

func (l Layout) ReceivedPath(stem string, index int) string {
	return filepath.Join(l.ReceivedDir(), protocol.ChunkName(SanitizeStem(stem), index))
}

// IncomingPath is a staging path for one wire payload. The name is only used
// for logs; callers make it unique.
func (l Layout) IncomingPath(name string) string {
	return filepath.Join(l.IncomingDir(), SanitizeStem(name))
}

// DownloadPath names the reassembly target after the original file name,
// reduced to its base so a manifest cannot escape the downloads directory.
func (l Layout) DownloadPath(originalName string) string {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(originalName, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		name = "_"
	}
	return filepath.Join(l.DownloadsDir(), name)
}

// LocateChunk finds a local copy of a chunk, preferring the received store
// over the source store. The copy is not verified.
func (l Layout) LocateChunk(stem string, index int) (string, bool) {
	for _, p := range []string{l.ReceivedPath(stem, index), l.ChunkPath(stem, index)} {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}
