package upload

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestUploadSendsMultipartForm(t *testing.T) {
	path := writeArtifact(t, "batch_9.json.gz", `{"batch_id":9,"blogs":[]}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/submitBatchUnit", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "w1", r.FormValue("workerID"))
		assert.Equal(t, "9", r.FormValue("batchID"))
		assert.Equal(t, "777", r.FormValue("batchKey"))
		assert.Equal(t, "3", r.FormValue("version"))

		file, header, err := r.FormFile("data")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "batch_9.json.gz", header.Filename)
		assert.Equal(t, "application/x-gzip", header.Header.Get("Content-Type"))

		gz, err := gzip.NewReader(file)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.JSONEq(t, `{"batch_id":9,"blogs":[]}`, string(body))
	}))
	defer server.Close()

	c := New(server.URL)
	err := c.Upload(context.Background(), "w1", 9, 777, 3, path, "batch_9.json.gz")
	assert.NoError(t, err)
}

func TestUploadStreamsBody(t *testing.T) {
	path := writeArtifact(t, "batch_2.json.gz", `{"batch_id":2,"blogs":[]}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A streamed body arrives chunked, with no Content-Length.
		assert.Equal(t, int64(-1), r.ContentLength)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "2", r.FormValue("batchID"))
	}))
	defer server.Close()

	c := New(server.URL)
	require.NoError(t, c.Upload(context.Background(), "w1", 2, 3, 3, path, "batch_2.json.gz"))
}

func TestUploadNonOKStatusIsError(t *testing.T) {
	path := writeArtifact(t, "batch_1.json.gz", "{}")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(server.URL)
	err := c.Upload(context.Background(), "w1", 1, 2, 3, path, "batch_1.json.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestUploadMissingFileIsError(t *testing.T) {
	c := New("http://localhost:1")
	err := c.Upload(context.Background(), "w1", 1, 2, 3, filepath.Join(t.TempDir(), "absent.gz"), "absent.gz")
	assert.Error(t, err)
}
