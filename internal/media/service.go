// Package media republishes ephemeral provider media into durable storage and
// checks outbound media URLs for reachability.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 20 * time.Second
	defaultReachTimeout = 5 * time.Second
)

// Options tunes fetch behavior. Zero values take defaults.
type Options struct {
	FetchTimeout time.Duration
	ReachTimeout time.Duration
	MaxBytes     int64
	HTTPClient   *http.Client
}

// Service provides media persistence operations.
type Service struct {
	provider     StorageProvider
	client       *http.Client
	fetchTimeout time.Duration
	reachTimeout time.Duration
	maxBytes     int64
	logger       *slog.Logger
}

// NewService creates a media service with the given storage provider.
func NewService(log *slog.Logger, provider StorageProvider, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.ReachTimeout <= 0 {
		opts.ReachTimeout = defaultReachTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Service{
		provider:     provider,
		client:       opts.HTTPClient,
		fetchTimeout: opts.FetchTimeout,
		reachTimeout: opts.ReachTimeout,
		maxBytes:     opts.MaxBytes,
		logger:       log.With(slog.String("service", "media")),
	}
}

// Persist downloads the source URL within the fetch timeout, stores the bytes
// under a content-addressed key and returns the durable asset. Callers fall
// back to the source URL on error.
func (s *Service) Persist(ctx context.Context, input PersistInput) (Asset, error) {
	if s.provider == nil {
		return Asset{}, ErrProviderUnavailable
	}
	if err := validateURL(input.SourceURL); err != nil {
		return Asset{}, err
	}
	if !input.MediaType.Valid() {
		return Asset{}, fmt.Errorf("unknown media type %q", input.MediaType)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, input.SourceURL, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Asset{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	spool, err := spoolAndHashWithLimit(resp.Body, s.maxBytes)
	if err != nil {
		return Asset{}, fmt.Errorf("read media: %w", err)
	}
	defer spool.remove()

	contentType := coalesce(
		normalizeMime(input.Mime),
		normalizeMime(resp.Header.Get("Content-Type")),
		normalizeMime(http.DetectContentType(spool.head)),
		"application/octet-stream",
	)
	ext := extensionFromMime(contentType)
	if ext == ".bin" {
		if fromName := strings.ToLower(filepath.Ext(input.FileName)); fromName != "" {
			ext = fromName
		}
	}
	storageKey := path.Join(
		string(input.MediaType),
		keySegment(input.Phone),
		spool.hash[:4],
		spool.hash+ext,
	)

	file, err := os.Open(spool.path)
	if err != nil {
		return Asset{}, fmt.Errorf("open temp file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if err := s.provider.Put(ctx, storageKey, contentType, file); err != nil {
		return Asset{}, fmt.Errorf("store media: %w", err)
	}

	asset := Asset{
		Key:         storageKey,
		URL:         s.provider.AccessPath(storageKey),
		ContentHash: spool.hash,
		MediaType:   input.MediaType,
		Mime:        contentType,
		SizeBytes:   spool.size,
	}
	s.logger.Debug("media persisted",
		slog.String("key", storageKey),
		slog.Int64("size", spool.size),
		slog.String("mime", contentType),
	)
	return asset, nil
}

// CheckReachable checks that rawURL answers with a 2xx. HEAD is tried first;
// servers that refuse HEAD get a single-byte ranged GET.
func (s *Service) CheckReachable(ctx context.Context, rawURL string) error {
	if err := validateURL(rawURL); err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.reachTimeout)
	defer cancel()

	status, err := s.request(reqCtx, http.MethodHead, rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented || status == http.StatusForbidden {
		status, err = s.request(reqCtx, http.MethodGet, rawURL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: status %d", ErrUnreachable, status)
	}
	return nil
}

func (s *Service) request(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Open returns a reader for a stored key along with its content type.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	if s.provider == nil {
		return nil, "", ErrProviderUnavailable
	}
	reader, err := s.provider.Open(ctx, key)
	if err != nil {
		return nil, "", err
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return reader, contentType, nil
}

// --- helpers ---

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	return nil
}

func normalizeMime(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return ""
	}
	if mediaType == "application/octet-stream" {
		return ""
	}
	return mediaType
}

// keySegment reduces a phone to digits so it is safe as a path element.
func keySegment(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func extensionFromMime(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/3gpp":
		return ".3gp"
	case "application/pdf":
		return ".pdf"
	case "application/msword":
		return ".doc"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx"
	case "application/vnd.ms-excel":
		return ".xls"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return ".xlsx"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
