package media

import (
	"context"
	"io"
)

// MediaType classifies the kind of media asset.
type MediaType string

const (
	MediaTypeImage    MediaType = "image"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeVideo    MediaType = "video"
	MediaTypeDocument MediaType = "document"
)

// Valid reports whether t is a known media type.
func (t MediaType) Valid() bool {
	switch t {
	case MediaTypeImage, MediaTypeAudio, MediaTypeVideo, MediaTypeDocument:
		return true
	}
	return false
}

// Asset is a persisted media object.
type Asset struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	MediaType   MediaType `json:"media_type"`
	Mime        string    `json:"mime"`
	SizeBytes   int64     `json:"size_bytes"`
}

// PersistInput carries an ephemeral provider URL to be made durable.
type PersistInput struct {
	SourceURL string
	MediaType MediaType
	// Phone scopes the storage key to the conversation.
	Phone string
	// FileName is a suggestion; its extension is used when the mime type is
	// unknown.
	FileName string
	// Mime overrides the Content-Type reported by the source.
	Mime string
}

// StorageProvider abstracts object storage operations.
type StorageProvider interface {
	// Put writes data to storage under the given key.
	Put(ctx context.Context, key, contentType string, reader io.Reader) error
	// Open returns a reader for the given storage key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
	// AccessPath returns the public URL for a storage key.
	AccessPath(key string) string
}
