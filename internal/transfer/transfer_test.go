package transfer

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadToTemp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path, err := DownloadToTemp(t.Context(), resty.New(), srv.URL+"/in.mp4", dir, "input", 10*time.Second)
	require.NoError(t, err)
	defer os.Remove(path)

	assert.Contains(t, path, ".mp4")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDownloadToTempDefaultSuffix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path, err := DownloadToTemp(t.Context(), resty.New(), srv.URL+"/noext", dir, "input", 10*time.Second)
	require.NoError(t, err)
	defer os.Remove(path)
	assert.Contains(t, path, ".bin")
}

func TestDownloadToTempHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := DownloadToTemp(t.Context(), resty.New(), srv.URL+"/missing.mp4", dir, "input", 10*time.Second)
	assert.Error(t, err)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "failed download should not leave a temp file behind")
}

func TestUploadFile(t *testing.T) {
	var gotHeader string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, err := os.CreateTemp(dir, "out-*.mp4")
	require.NoError(t, err)
	_, err = f.WriteString("artifact bytes")
	require.NoError(t, err)
	f.Close()

	err = UploadFile(t.Context(), resty.New(), srv.URL+"/out", map[string]string{"X-Custom": "v1"}, f.Name(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v1", gotHeader)
	assert.Equal(t, "artifact bytes", string(gotBody))
}
