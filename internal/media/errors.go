package media

import "errors"

var (
	// ErrProviderUnavailable indicates the storage provider is not configured or reachable.
	ErrProviderUnavailable = errors.New("storage provider unavailable")
	// ErrAssetTooLarge indicates the payload exceeds the configured max asset size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrEmptyAsset indicates the source returned no bytes.
	ErrEmptyAsset = errors.New("media asset is empty")
	// ErrUnreachable indicates the source URL could not be fetched or reached.
	ErrUnreachable = errors.New("media url unreachable")
	// ErrInvalidURL indicates the URL is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("media url must be absolute http(s)")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
)
