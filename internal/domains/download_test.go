package domains

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blogvault/archive-worker/internal/coordinator"
)

func gzipBytes(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestEnsureDownloadsAndExtracts(t *testing.T) {
	content := "alpha\nbeta\ngamma\n"
	archive := gzipBytes(t, content)

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write(archive)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "domains.txt")
	err := Ensure(context.Background(), path, server.URL, int64(len(content)), coordinator.NewRetrier())
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
	assert.NoFileExists(t, path+".gz", "intermediate archive is cleaned up")
	assert.Equal(t, 1, requests)

	// A valid list on disk short-circuits the download.
	require.NoError(t, Ensure(context.Background(), path, server.URL, int64(len(content)), coordinator.NewRetrier()))
	assert.Equal(t, 1, requests)
}

func TestEnsureSkipsSizeCheckWhenZero(t *testing.T) {
	content := "alpha\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipBytes(t, content))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "domains.txt")
	require.NoError(t, Ensure(context.Background(), path, server.URL, 0, coordinator.NewRetrier()))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}
