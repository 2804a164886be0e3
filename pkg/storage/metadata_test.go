package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

func sampleManifest(stem string) *protocol.Manifest {
	return &protocol.Manifest{
		OriginalName:      stem + ".txt",
		OriginalExtension: ".txt",
		FileStem:          stem,
		MimeType:          "text/plain",
		TotalChunks:       1,
		Chunks: []protocol.Chunk{
			{Index: 0, Hash: HashBytes([]byte("x")), Filename: protocol.ChunkName(stem, 0), Size: 1},
		},
	}
}

func TestMetadataSaveAndLoad(t *testing.T) {
	s := NewMetadataStore(t.TempDir())
	if _, err := s.Save(sampleManifest("notes")); err != nil {
		t.Fatal(err)
	}

	m, err := s.Load("notes")
	if err != nil {
		t.Fatal(err)
	}
	if m.OriginalName != "notes.txt" || m.TotalChunks != 1 {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestMetadataLoadEscapedAndFallback(t *testing.T) {
	dir := t.TempDir()
	s := NewMetadataStore(dir)
	if _, err := s.Save(sampleManifest("my notes")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load("my%20notes"); err != nil {
		t.Fatalf("escaped stem: %v", err)
	}

	// a record stored under an unrelated file name is still found by stem
	m := sampleManifest("renamed")
	if _, err := s.Save(m); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(filepath.Join(dir, "renamed.json"), filepath.Join(dir, "legacy-record.json")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("renamed")
	if err != nil {
		t.Fatalf("fallback scan: %v", err)
	}
	if got.FileStem != "renamed" {
		t.Fatalf("got stem %s", got.FileStem)
	}
	if _, err := s.Load("renamed.txt"); err != nil {
		t.Fatalf("lookup by original name: %v", err)
	}
}

func TestMetadataLoadMissing(t *testing.T) {
	s := NewMetadataStore(t.TempDir())
	if _, err := s.Load("ghost"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMetadataListSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewMetadataStore(dir)
	for _, stem := range []string{"b", "a"} {
		if _, err := s.Save(sampleManifest(stem)); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].FileStem != "a" || all[1].FileStem != "b" {
		t.Fatalf("unexpected list: %d entries", len(all))
	}
}

func TestMetadataSaveSanitizesStem(t *testing.T) {
	dir := t.TempDir()
	s := NewMetadataStore(dir)
	m := sampleManifest("dir/evil")
	p, err := s.Save(m)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(p) != dir || !strings.HasSuffix(p, "dir_evil.json") {
		t.Fatalf("unexpected path %s", p)
	}
}

func TestMetadataSaveRawRejectsInvalid(t *testing.T) {
	s := NewMetadataStore(t.TempDir())
	_, err := s.SaveRaw("x", []byte(`{"file_stem":"x","total_chunks":2,"chunks":[]}`))
	if !errors.Is(err, protocol.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}

	m, err := s.SaveRaw("fromwire", []byte(`{"original_name":"a.bin","total_chunks":0,"chunks":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.FileStem != "fromwire" {
		t.Fatalf("expected stem from header, got %q", m.FileStem)
	}
}
