package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeStem(t *testing.T) {
	cases := map[string]string{
		"report":       "report",
		"a/b":          "a_b",
		`a\b`:          "a_b",
		"..":           "_",
		"":             "_",
		"../../passwd": ".._.._passwd",
	}
	for in, want := range cases {
		if got := SanitizeStem(in); got != want {
			t.Errorf("SanitizeStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/srv/storage")
	if got := l.ChunkPath("movie", 2); got != filepath.Join("/srv/storage", "chunks", "movie_chunk_2") {
		t.Errorf("chunk path %s", got)
	}
	if got := l.ReceivedPath("a/b", 0); got != filepath.Join("/srv/storage", "received_chunks", "a_b_chunk_0") {
		t.Errorf("received path %s", got)
	}
	if got := l.DownloadPath("../../etc/passwd"); got != filepath.Join("/srv/storage", "downloads", "passwd") {
		t.Errorf("download path %s", got)
	}
	if got := l.MetadataPath("movie"); got != filepath.Join("/srv/storage", "metadata", "movie.json") {
		t.Errorf("metadata path %s", got)
	}
}

func TestLocateChunkPrefersReceived(t *testing.T) {
	l := NewLayout(t.TempDir())
	if err := l.Ensure(); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.LocateChunk("f", 0); ok {
		t.Fatal("expected no chunk")
	}
	if err := os.WriteFile(l.ChunkPath("f", 0), []byte("src"), 0644); err != nil {
		t.Fatal(err)
	}
	if p, ok := l.LocateChunk("f", 0); !ok || p != l.ChunkPath("f", 0) {
		t.Fatalf("expected source chunk, got %s %v", p, ok)
	}
	if err := os.WriteFile(l.ReceivedPath("f", 0), []byte("rcv"), 0644); err != nil {
		t.Fatal(err)
	}
	if p, _ := l.LocateChunk("f", 0); p != l.ReceivedPath("f", 0) {
		t.Fatalf("expected received chunk, got %s", p)
	}
}

func TestWriteStreamAtomicShortStream(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "chunk")

	_, err := WriteStreamAtomic(p, strings.NewReader("abc"), 10)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers, found %d", len(entries))
	}

	n, err := WriteStreamAtomic(p, strings.NewReader("abcdef"), -1)
	if err != nil || n != 6 {
		t.Fatalf("unbounded write: n=%d err=%v", n, err)
	}
	got, _ := os.ReadFile(p)
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("got %q", got)
	}
}

func TestVerifyFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c")
	if ok, err := VerifyFile(p, HashBytes([]byte("x"))); ok || err != nil {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}
	if err := WriteFileAtomic(p, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := VerifyFile(p, HashBytes([]byte("x"))); !ok {
		t.Fatal("expected match")
	}
	if ok, _ := VerifyFile(p, HashBytes([]byte("y"))); ok {
		t.Fatal("expected mismatch")
	}
}
