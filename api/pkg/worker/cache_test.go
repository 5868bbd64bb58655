package worker

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelCacheHitSkipsDownload(t *testing.T) {
	dir := t.TempDir()
	cache := NewModelCache(dir, "http://localhost:0")

	// Plausible weight file already in place.
	require.NoError(t, os.WriteFile(cache.Path("medium"), bytes.Repeat([]byte("w"), minValidModelSize), 0o644))

	path, err := cache.Ensure(context.Background(), "medium", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "medium.pt"), path)
}

func TestModelCacheRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	cache := NewModelCache(dir, "http://localhost:0")
	require.NoError(t, os.WriteFile(cache.Path("medium"), []byte("tiny"), 0o644))
	assert.False(t, cache.IsCached("medium"))
}

func TestModelCacheDownloads(t *testing.T) {
	weights := bytes.Repeat([]byte("x"), minValidModelSize+512)
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		_, _ = w.Write(weights)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cache := NewModelCache(dir, srv.URL)

	var lastPct int
	path, err := cache.Ensure(context.Background(), "small", func(pct int) { lastPct = pct })
	require.NoError(t, err)
	assert.Equal(t, "/small.pt", requested)
	assert.Equal(t, 100, lastPct)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, len(weights))

	// No stray temp files once the rename landed.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestModelCacheDownloadErrorLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cache := NewModelCache(dir, srv.URL)

	_, err := cache.Ensure(context.Background(), "enormous", nil)
	require.Error(t, err)
	assert.NoFileExists(t, cache.Path("enormous"))
}
