package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// MetadataStore persists manifests as {stem}.json records.
type MetadataStore struct {
	dir string
}

func NewMetadataStore(dir string) *MetadataStore {
	return &MetadataStore{dir: dir}
}

func (s *MetadataStore) Dir() string {
	return s.dir
}

func (s *MetadataStore) path(stem string) string {
	return filepath.Join(s.dir, SanitizeStem(stem)+".json")
}

// Save writes the manifest under its sanitized stem and returns the path.
func (s *MetadataStore) Save(m *protocol.Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	p := s.path(m.FileStem)
	if err := WriteFileAtomic(p, data); err != nil {
		return "", fmt.Errorf("failed to save metadata %s: %w", p, err)
	}
	logger.Sugar.Infof("[Metadata] saved: stem=%s path=%s", m.FileStem, p)
	return p, nil
}

// SaveRaw validates raw manifest JSON (as received over the wire) and stores
// it under the given stem.
func (s *MetadataStore) SaveRaw(stem string, data []byte) (*protocol.Manifest, error) {
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}
	if m.FileStem == "" {
		m.FileStem = stem
	}
	if _, err := s.Save(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Load finds a manifest by name. The name may be a stem, a URL-escaped stem,
// or a file name; when no file matches directly the stored manifests are
// scanned for a matching file_stem or original_name.
func (s *MetadataStore) Load(name string) (*protocol.Manifest, error) {
	candidates := []string{name}
	if decoded, err := url.PathUnescape(name); err == nil && decoded != name {
		candidates = append(candidates, decoded)
	}

	for _, c := range candidates {
		for _, p := range []string{s.path(c), filepath.Join(s.dir, SanitizeStem(c))} {
			m, err := readManifest(p)
			if err == nil {
				return m, nil
			}
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	all, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		for _, c := range candidates {
			if m.FileStem == c || m.OriginalName == c {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: metadata for %s", protocol.ErrNotFound, name)
}

// List returns every readable manifest, sorted by stem. Unreadable records are
// logged and skipped.
func (s *MetadataStore) List() ([]*protocol.Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}

	var out []*protocol.Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		m, err := readManifest(filepath.Join(s.dir, e.Name()))
		if err != nil {
			logger.Sugar.Warnf("[Metadata] skipping %s: %v", e.Name(), err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileStem < out[j].FileStem })
	return out, nil
}

func readManifest(path string) (*protocol.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeManifest(data []byte) (*protocol.Manifest, error) {
	var m protocol.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest: %v", protocol.ErrInvalid, err)
	}
	if m.Chunks == nil {
		m.Chunks = []protocol.Chunk{}
	}
	return &m, nil
}
