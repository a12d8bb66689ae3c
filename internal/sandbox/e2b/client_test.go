package e2b

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fileAPI stores decoded file contents the way the real service does:
// the JSON content field is base64 on the wire, raw bytes at rest.
type fileAPI struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newFileAPI(t *testing.T) (*httptest.Server, *fileAPI) {
	t.Helper()
	api := &fileAPI{files: map[string][]byte{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/sandboxes/sb-1/files", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		api.mu.Lock()
		defer api.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			var body struct {
				Content []byte `json:"content"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			api.files[path] = body.Content
			_, _ = w.Write([]byte(`{}`))
		case http.MethodGet:
			data, ok := api.files[path]
			if !ok {
				http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"content": data})
		default:
			http.Error(w, "bad method", http.StatusMethodNotAllowed)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, api
}

func TestFileRoundTripBinary(t *testing.T) {
	srv, api := newFileAPI(t)
	sb := &remoteSandbox{client: NewClient("test-key", srv.URL), id: "sb-1"}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("tarball payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	payload := buf.Bytes()

	require.NoError(t, sb.WriteFile(t.Context(), "/tmp/changes.tar.gz", payload))

	api.mu.Lock()
	stored := api.files["/tmp/changes.tar.gz"]
	api.mu.Unlock()
	require.Equal(t, payload, stored, "server should hold the exact bytes sent")
	require.Equal(t, []byte{0x1f, 0x8b}, stored[:2], "gzip magic must survive upload")

	got, err := sb.ReadFile(t.Context(), "/tmp/changes.tar.gz")
	require.NoError(t, err)
	require.Equal(t, payload, got, "download must return the exact bytes uploaded")

	zr, err := gzip.NewReader(bytes.NewReader(got))
	require.NoError(t, err)
	defer zr.Close()
}

func TestFileRoundTripText(t *testing.T) {
	srv, _ := newFileAPI(t)
	sb := &remoteSandbox{client: NewClient("test-key", srv.URL), id: "sb-1"}

	text := []byte("#!/bin/sh\necho hello\n")
	require.NoError(t, sb.WriteFile(t.Context(), "/tmp/run.sh", text))

	got, err := sb.ReadFile(t.Context(), "/tmp/run.sh")
	require.NoError(t, err)
	require.Equal(t, text, got)
}

func TestReadFileMissing(t *testing.T) {
	srv, _ := newFileAPI(t)
	sb := &remoteSandbox{client: NewClient("test-key", srv.URL), id: "sb-1"}

	_, err := sb.ReadFile(t.Context(), "/tmp/absent")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestReadFileNoContentField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	sb := &remoteSandbox{client: NewClient("test-key", srv.URL), id: "sb-1"}

	_, err := sb.ReadFile(t.Context(), "/tmp/whatever")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no content")
}
