package domain

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// MaxUploadBytes is the default upper bound for a single uploaded object (10 MiB).
const MaxUploadBytes int64 = 10 << 20

// DefaultAllowedContentTypes is the default upload allow-list.
var DefaultAllowedContentTypes = []string{"image/jpeg", "image/png", "image/webp"}

// ObjectStore persists uploaded binaries and returns a durable URL.
//
// Size and content-type violations are rejected with ErrInvalidInput before
// any network or disk activity.
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// UploadLimits bounds what may be uploaded.
type UploadLimits struct {
	MaxBytes     int64    `yaml:"max_bytes"`
	AllowedTypes []string `yaml:"allowed_types"`
}

// DefaultUploadLimits returns the 10 MiB image allow-list.
func DefaultUploadLimits() UploadLimits {
	return UploadLimits{
		MaxBytes:     MaxUploadBytes,
		AllowedTypes: slices.Clone(DefaultAllowedContentTypes),
	}
}

// Validate rejects empty, oversized or disallowed payloads with ErrInvalidInput.
// Zero fields fall back to the defaults.
func (l UploadLimits) Validate(size int64, contentType string) error {
	maxBytes := l.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	allowed := l.AllowedTypes
	if len(allowed) == 0 {
		allowed = DefaultAllowedContentTypes
	}

	if size <= 0 {
		return fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}
	if size > maxBytes {
		return fmt.Errorf("%w: upload of %d bytes exceeds limit of %d", ErrInvalidInput, size, maxBytes)
	}

	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if !slices.Contains(allowed, mediaType) {
		return fmt.Errorf("%w: content type %q is not allowed", ErrInvalidInput, contentType)
	}
	return nil
}
