package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"tarun-kavipurapu/p2p-chunknet/pkg/protocol"
)

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashChunk returns the hex SHA-256 of everything read from r.
func HashChunk(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashChunk(f)
}

// VerifyFile reports whether the file at path hashes to want. A missing file
// is reported as false with no error.
func VerifyFile(path, want string) (bool, error) {
	got, err := HashFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return got == want, nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it into
// place, so readers never observe a half-written chunk.
func WriteFileAtomic(path string, data []byte) error {
	_, err := writeAtomic(path, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	})
	return err
}

// WriteStreamAtomic copies r to path through a temp file. When limit is
// non-negative exactly limit bytes must be available; a short stream leaves
// no file behind and returns io.ErrUnexpectedEOF.
func WriteStreamAtomic(path string, r io.Reader, limit int64) (int64, error) {
	return writeAtomic(path, func(w io.Writer) (int64, error) {
		if limit < 0 {
			return io.Copy(w, r)
		}
		n, err := io.CopyN(w, r, limit)
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	})
}

func writeAtomic(path string, fill func(io.Writer) (int64, error)) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	tmpPath := tmp.Name()

	n, err := fill(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return n, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	return n, nil
}
