package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

func newStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "objects")
	s, err := NewFileStore(FileStoreConfig{Root: root, PublicBaseURL: "https://cdn.example/objects/"})
	require.NoError(t, err)
	return s, root
}

func TestNewFileStoreValidation(t *testing.T) {
	_, err := NewFileStore(FileStoreConfig{PublicBaseURL: "https://cdn.example"})
	assert.Error(t, err)

	_, err = NewFileStore(FileStoreConfig{Root: t.TempDir(), PublicBaseURL: "/relative"})
	assert.Error(t, err)
}

func TestUploadWritesObject(t *testing.T) {
	s, root := newStore(t)
	data := []byte("\x89PNG fake image")

	u, err := s.Upload(context.Background(), data, "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://cdn.example/objects/"))
	assert.True(t, strings.HasSuffix(u, ".png"))

	name := u[strings.LastIndex(u, "/")+1:]
	stored, err := os.ReadFile(filepath.Join(root, name))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/" + name)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestUploadRejectsBeforeWriting(t *testing.T) {
	s, root := newStore(t)

	cases := map[string]struct {
		data        []byte
		contentType string
	}{
		"empty":     {nil, "image/png"},
		"oversized": {bytes.Repeat([]byte{1}, int(domain.MaxUploadBytes)+1), "image/jpeg"},
		"gif":       {[]byte("GIF89a"), "image/gif"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Upload(context.Background(), tc.data, tc.contentType)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadAcceptsParameters(t *testing.T) {
	s, _ := newStore(t)

	u, err := s.Upload(context.Background(), []byte("jpeg"), "Image/JPEG; charset=binary")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, ".jpg"))
}

func TestUploadCustomLimits(t *testing.T) {
	s, _ := newStore(t)
	s.SetLimits(domain.UploadLimits{MaxBytes: 2, AllowedTypes: []string{"image/png"}})

	_, err := s.Upload(context.Background(), []byte("abc"), "image/png")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSweepRemovesExpiredObjects(t *testing.T) {
	s, root := newStore(t)

	oldURL, err := s.Upload(context.Background(), []byte("old"), "image/webp")
	require.NoError(t, err)
	newURL, err := s.Upload(context.Background(), []byte("new"), "image/webp")
	require.NoError(t, err)

	oldName := oldURL[strings.LastIndex(oldURL, "/")+1:]
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, oldName), past, past))

	removed, err := s.Sweep(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(root, oldName))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(root, newURL[strings.LastIndex(newURL, "/")+1:]))
	assert.NoError(t, err)
}
