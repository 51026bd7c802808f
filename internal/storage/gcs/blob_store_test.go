package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upload struct {
	path  string
	name  string
	query string
	body  string
}

func newTestStore(t *testing.T, status int) (*BlobStore, func() []upload) {
	t.Helper()

	var (
		mu      sync.Mutex
		uploads []upload
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		uploads = append(uploads, upload{
			path:  r.URL.Path,
			name:  r.URL.Query().Get("name"),
			query: r.URL.Query().Get("uploadType"),
			body:  string(body),
		})
		mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, `{"error":{"code":400,"message":"bad request"}}`, status)
			return
		}
		fmt.Fprintf(w, `{"name":%q,"bucket":"snapshots"}`, r.URL.Query().Get("name"))
	}))
	t.Cleanup(server.Close)

	store, err := Open(context.Background(), Config{Bucket: "snapshots", Endpoint: server.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, func() []upload {
		mu.Lock()
		defer mu.Unlock()
		return append([]upload(nil), uploads...)
	}
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	store, uploads := newTestStore(t, http.StatusOK)

	uri, err := store.PutObject(context.Background(), "/runs/shop/run-1.jsonl", "application/x-ndjson", bytes.NewReader([]byte(`{"id":"a"}`)))
	require.NoError(t, err)
	assert.Equal(t, "gs://snapshots/runs/shop/run-1.jsonl", uri)

	got := uploads()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].path, "/upload/storage/v1/b/snapshots/o")
	assert.Equal(t, "runs/shop/run-1.jsonl", got[0].name)
	assert.Equal(t, "multipart", got[0].query)
	assert.Contains(t, got[0].body, `{"id":"a"}`)
	assert.Contains(t, got[0].body, "application/x-ndjson")
}

func TestPutObjectReportsServerError(t *testing.T) {
	store, _ := newTestStore(t, http.StatusBadRequest)

	_, err := store.PutObject(context.Background(), "runs/x.jsonl", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	store, uploads := newTestStore(t, http.StatusOK)

	_, err := store.PutObject(context.Background(), "  ", "", bytes.NewReader(nil))
	require.Error(t, err)
	assert.Empty(t, uploads())
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
