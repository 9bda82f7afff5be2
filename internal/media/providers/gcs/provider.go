// Package gcs implements media.StorageProvider on a Google Cloud Storage
// bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const writeTimeout = 2 * time.Minute

// Config selects the bucket and how objects are addressed publicly.
type Config struct {
	Bucket string
	// CDNDomain, when set, replaces storage.googleapis.com in public URLs.
	CDNDomain       string
	CredentialsFile string
	// EmulatorHost points the client at a fake-gcs-server style emulator.
	EmulatorHost string
}

// Provider stores objects in one bucket.
type Provider struct {
	client    *storage.Client
	bucket    string
	cdnDomain string
}

// New builds the storage client. Credentials come from the file when given,
// otherwise from application default credentials.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(cfg.EmulatorHost) != "":
		opts = append(opts,
			option.WithEndpoint(strings.TrimRight(cfg.EmulatorHost, "/")+"/storage/v1/"),
			option.WithoutAuthentication(),
		)
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(storage.ScopeReadWrite))
	default:
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Provider{
		client:    client,
		bucket:    bucket,
		cdnDomain: strings.Trim(strings.TrimSpace(cfg.CDNDomain), "/"),
	}, nil
}

// Put uploads reader to key.
func (p *Provider) Put(ctx context.Context, key, contentType string, reader io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	w := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	w.CacheControl = "public, max-age=31536000, immutable"
	if _, err := io.Copy(w, reader); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs writer: %w", err)
	}
	return nil
}

// Open reads the object at key.
func (p *Provider) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := p.client.Bucket(p.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gcs object %q: %w", key, err)
	}
	return r, nil
}

// Delete removes the object at key. Missing objects are not an error.
func (p *Provider) Delete(ctx context.Context, key string) error {
	err := p.client.Bucket(p.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object %q: %w", key, err)
	}
	return nil
}

// AccessPath returns the public URL of key.
func (p *Provider) AccessPath(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if p.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", p.cdnDomain, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", p.bucket, key)
}

// Close releases the client.
func (p *Provider) Close() error {
	return p.client.Close()
}
