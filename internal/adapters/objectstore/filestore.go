// Package objectstore persists uploaded images and hands back durable URLs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Root is the directory objects are written to.
	Root string
	// PublicBaseURL is prefixed to object names to form the returned URL.
	PublicBaseURL string
	Limits        domain.UploadLimits
	Logger        *slog.Logger
}

// FileStore implements domain.ObjectStore on a local directory that is
// served over HTTP under PublicBaseURL.
type FileStore struct {
	root    string
	baseURL *url.URL
	limits  atomic.Pointer[domain.UploadLimits]
	logger  *slog.Logger
}

// NewFileStore creates the root directory if needed.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("object store root is required")
	}
	base, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("object store public base url %q must be absolute", cfg.PublicBaseURL)
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := cfg.Limits
	if limits.MaxBytes <= 0 && len(limits.AllowedTypes) == 0 {
		limits = domain.DefaultUploadLimits()
	}

	s := &FileStore{root: cfg.Root, baseURL: base, logger: logger}
	s.limits.Store(&limits)
	return s, nil
}

// SetLimits replaces the upload limits.
func (s *FileStore) SetLimits(limits domain.UploadLimits) {
	s.limits.Store(&limits)
}

// Upload validates the payload, then writes it under a random name. The file
// is renamed into place so readers never see partial objects.
func (s *FileStore) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := s.limits.Load().Validate(int64(len(data)), contentType); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := uuid.NewString() + extension(contentType)

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: create object: %w", domain.ErrUpstreamTransport, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: write object: %w", domain.ErrUpstreamTransport, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: close object: %w", domain.ErrUpstreamTransport, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.root, name)); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%w: publish object: %w", domain.ErrUpstreamTransport, err)
	}

	s.logger.DebugContext(ctx, "object stored", "name", name, "bytes", len(data))
	return s.baseURL.JoinPath(name).String(), nil
}

// Handler serves stored objects by name.
func (s *FileStore) Handler() http.Handler {
	return http.FileServer(http.Dir(s.root))
}

// Sweep deletes objects last modified at or before cutoff and returns how many
// were removed.
func (s *FileStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove object %s: %w", entry.Name(), err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "expired objects removed", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

func extension(contentType string) string {
	mediaType, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	if ext, ok := extensions[strings.TrimSpace(mediaType)]; ok {
		return ext
	}
	return ".bin"
}
