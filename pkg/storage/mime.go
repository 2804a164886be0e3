package storage

import (
	"bytes"
	"io"
	"mime"
	"os"
	"path/filepath"
)

const defaultMimeType = "application/octet-stream"

var magicSignatures = []struct {
	prefix []byte
	mime   string
}{
	{[]byte("%PDF"), "application/pdf"},
	{[]byte("\x89PNG"), "image/png"},
	{[]byte("\xff\xd8\xff"), "image/jpeg"},
	{[]byte("GIF8"), "image/gif"},
	{[]byte("PK\x03\x04"), "application/zip"},
	{[]byte("Rar!"), "application/x-rar-compressed"},
}

// DetectMimeType resolves by extension first, then sniffs the first 16
// bytes for a few well known signatures.
func DetectMimeType(path string) string {
	if ext := filepath.Ext(path); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			if media, _, err := mime.ParseMediaType(t); err == nil {
				return media
			}
			return t
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return defaultMimeType
	}
	defer f.Close()

	header := make([]byte, 16)
	n, _ := io.ReadFull(f, header)
	return sniffMimeType(header[:n])
}

func sniffMimeType(header []byte) string {
	for _, sig := range magicSignatures {
		if bytes.HasPrefix(header, sig.prefix) {
			return sig.mime
		}
	}
	return defaultMimeType
}
