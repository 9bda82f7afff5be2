package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"testing"
)

func TestSpoolAndHashWithLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  []byte
		maxBytes int64
		wantErr  error
	}{
		{name: "within limit", payload: []byte("hello"), maxBytes: 8},
		{name: "exact limit", payload: []byte("12345"), maxBytes: 5},
		{name: "over limit", payload: []byte("0123456789"), maxBytes: 5, wantErr: ErrAssetTooLarge},
		{name: "empty", payload: nil, maxBytes: 5, wantErr: ErrEmptyAsset},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := spoolAndHashWithLimit(bytes.NewReader(tt.payload), tt.maxBytes)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer got.remove()
			sum := sha256.Sum256(tt.payload)
			if got.hash != hex.EncodeToString(sum[:]) {
				t.Fatalf("unexpected hash %s", got.hash)
			}
			if got.size != int64(len(tt.payload)) {
				t.Fatalf("unexpected size %d", got.size)
			}
			data, err := os.ReadFile(got.path)
			if err != nil {
				t.Fatalf("read spool: %v", err)
			}
			if !bytes.Equal(data, tt.payload) {
				t.Fatalf("spooled payload mismatch")
			}
		})
	}
}

func TestHeadWriterKeepsPrefix(t *testing.T) {
	t.Parallel()
	w := &headWriter{limit: 4}
	_, _ = w.Write([]byte("ab"))
	_, _ = w.Write([]byte("cdef"))
	if string(w.buf) != "abcd" {
		t.Fatalf("head = %q", w.buf)
	}
}
