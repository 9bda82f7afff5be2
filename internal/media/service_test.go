package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memProvider struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemProvider() *memProvider {
	return &memProvider{objects: map[string][]byte{}, types: map[string]string{}}
}

func (p *memProvider) Put(_ context.Context, key, contentType string, r io.Reader) error {
	if p.putErr != nil {
		return p.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = data
	p.types[key] = contentType
	return nil
}

func (p *memProvider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (p *memProvider) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, key)
	return nil
}

func (p *memProvider) AccessPath(key string) string {
	return "https://cdn.test/" + key
}

func TestPersistStoresContentAddressedObject(t *testing.T) {
	t.Parallel()
	payload := []byte("\xff\xd8\xff\xe0 fake jpeg bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	provider := newMemProvider()
	svc := NewService(nil, provider, Options{})
	asset, err := svc.Persist(context.Background(), PersistInput{
		SourceURL: srv.URL + "/tmp/abc",
		MediaType: MediaTypeImage,
		Phone:     "+55 (11) 99999-0000",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(asset.Key, "image/5511999990000/"+asset.ContentHash[:4]+"/"))
	assert.True(t, strings.HasSuffix(asset.Key, asset.ContentHash+".jpg"))
	assert.Equal(t, "https://cdn.test/"+asset.Key, asset.URL)
	assert.Equal(t, "image/jpeg", asset.Mime)
	assert.Equal(t, int64(len(payload)), asset.SizeBytes)
	assert.Equal(t, payload, provider.objects[asset.Key])
	assert.Equal(t, "image/jpeg", provider.types[asset.Key])

	again, err := svc.Persist(context.Background(), PersistInput{
		SourceURL: srv.URL + "/other",
		MediaType: MediaTypeImage,
		Phone:     "5511999990000",
	})
	require.NoError(t, err)
	assert.Equal(t, asset.Key, again.Key, "identical bytes map to the same key")
}

func TestPersistUsesFileNameExtensionForUnknownMime(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0x00, 0x01, 0x02, 0x03})
	}))
	defer srv.Close()

	svc := NewService(nil, newMemProvider(), Options{})
	asset, err := svc.Persist(context.Background(), PersistInput{
		SourceURL: srv.URL,
		MediaType: MediaTypeDocument,
		Phone:     "55",
		FileName:  "Contrato.ODT",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(asset.Key, ".odt"), asset.Key)
}

func TestPersistFailures(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()
	big := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer big.Close()

	svc := NewService(nil, newMemProvider(), Options{FetchTimeout: 50 * time.Millisecond, MaxBytes: 32})

	tests := []struct {
		name string
		url  string
		want error
	}{
		{name: "timeout", url: slow.URL, want: ErrUnreachable},
		{name: "expired link", url: gone.URL, want: ErrUnreachable},
		{name: "too large", url: big.URL, want: ErrAssetTooLarge},
		{name: "not http", url: "ftp://example.com/a.jpg", want: ErrInvalidURL},
	}
	for _, tt := range tests {
		_, err := svc.Persist(context.Background(), PersistInput{SourceURL: tt.url, MediaType: MediaTypeImage, Phone: "55"})
		assert.ErrorIs(t, err, tt.want, tt.name)
	}

	_, err := NewService(nil, nil, Options{}).Persist(context.Background(), PersistInput{SourceURL: big.URL, MediaType: MediaTypeImage})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestCheckReachable(t *testing.T) {
	t.Parallel()

	headOK := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer headOK.Close()
	var sawRange string
	var rangeMu sync.Mutex
	noHead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rangeMu.Lock()
		sawRange = r.Header.Get("Range")
		rangeMu.Unlock()
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("x"))
	}))
	defer noHead.Close()
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	svc := NewService(nil, newMemProvider(), Options{ReachTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, svc.CheckReachable(ctx, headOK.URL+"/a.jpg"))
	require.NoError(t, svc.CheckReachable(ctx, noHead.URL+"/a.jpg"))
	rangeMu.Lock()
	assert.Equal(t, "bytes=0-0", sawRange)
	rangeMu.Unlock()
	assert.ErrorIs(t, svc.CheckReachable(ctx, missing.URL+"/a.jpg"), ErrUnreachable)
	assert.ErrorIs(t, svc.CheckReachable(ctx, "not a url"), ErrInvalidURL)
}

func TestOpenReportsContentType(t *testing.T) {
	t.Parallel()
	provider := newMemProvider()
	provider.objects["document/55/ab/ab.pdf"] = []byte("%PDF")
	svc := NewService(nil, provider, Options{})

	rc, contentType, err := svc.Open(context.Background(), "document/55/ab/ab.pdf")
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "application/pdf", contentType)
}

func TestKeySegment(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "5511999990000", keySegment("+55 11 99999-0000"))
	assert.Equal(t, "unknown", keySegment("../"))
}
