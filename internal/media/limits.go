package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultMaxBytes caps a single fetched asset when no limit is configured.
const DefaultMaxBytes int64 = 64 * 1024 * 1024

// spooled is a hashed payload held in a temp file until it is stored.
type spooled struct {
	path string
	hash string
	size int64
	head []byte
}

func (s spooled) remove() {
	_ = os.Remove(s.path)
}

// spoolAndHashWithLimit copies reader to a temp file while hashing it and
// rejects payloads larger than maxBytes. The first 512 bytes are kept for
// content sniffing.
func spoolAndHashWithLimit(reader io.Reader, maxBytes int64) (spooled, error) {
	if reader == nil {
		return spooled{}, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return spooled{}, fmt.Errorf("max bytes must be greater than 0")
	}
	tempFile, err := os.CreateTemp("", "zapdesk-media-*")
	if err != nil {
		return spooled{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	keepFile := false
	defer func() {
		_ = tempFile.Close()
		if !keepFile {
			_ = os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	head := &headWriter{limit: 512}
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	written, err := io.Copy(io.MultiWriter(tempFile, hasher, head), limited)
	if err != nil {
		return spooled{}, fmt.Errorf("copy to temp file: %w", err)
	}
	if written > maxBytes {
		return spooled{}, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	if written == 0 {
		return spooled{}, ErrEmptyAsset
	}
	keepFile = true
	return spooled{
		path: tempPath,
		hash: hex.EncodeToString(hasher.Sum(nil)),
		size: written,
		head: head.buf,
	}, nil
}

type headWriter struct {
	buf   []byte
	limit int
}

func (w *headWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}
	return len(p), nil
}
