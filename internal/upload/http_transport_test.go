package upload

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_Init(t *testing.T) {
	var got InitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, initPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"uploadId":"abc"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", nil, time.Second)
	resp, err := tr.Init(context.Background(), InitRequest{FileSize: 10, Filename: "a.mp4", FileHash: "ff", TotalChunks: 2})
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.UploadID)
	assert.Equal(t, 2, got.TotalChunks)
	assert.Equal(t, "a.mp4", got.Filename)
}

func TestHTTPTransport_Init_failures(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"non_2xx":        {http.StatusBadRequest, `{"error":"bad"}`},
		"malformed_json": {http.StatusCreated, `{"uploadId":`},
		"missing_upload": {http.StatusCreated, `{}`},
		"server_error":   {http.StatusInternalServerError, ``},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewHTTPTransport(srv.URL, nil, time.Second).Init(context.Background(), InitRequest{})
			assert.Error(t, err)
		})
	}
}

func TestHTTPTransport_SendChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, chunkPath, r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "u1", r.FormValue("uploadId"))
		assert.Equal(t, "3", r.FormValue("index"))
		assert.Equal(t, "deadbeef", r.FormValue("chunkHash"))
		assert.Equal(t, "60.000", r.FormValue("duration"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "payload", string(b))
		assert.Equal(t, "clip.part003", hdr.Filename)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := NewHTTPTransport(srv.URL, nil, time.Second).SendChunk(context.Background(), ChunkRequest{
		UploadID:  "u1",
		Index:     3,
		ChunkHash: "deadbeef",
		Filename:  "clip.part003",
		Duration:  time.Minute,
		Payload:   []byte("payload"),
	})
	require.NoError(t, err)
}

func TestHTTPTransport_SendChunk_status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "checksum mismatch", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewHTTPTransport(srv.URL, nil, time.Second).SendChunk(context.Background(), ChunkRequest{UploadID: "u1", Index: 1})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, "checksum mismatch", se.Body)
}

func TestHTTPTransport_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CompleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.UploadID)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"fileId":"f1","chunks":4}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPTransport(srv.URL, nil, time.Second).Complete(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, CompleteResponse{FileID: "f1", Chunks: 4}, resp)
}

func TestHTTPTransport_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(url, nil, time.Second).Complete(context.Background(), "u1")
	assert.Error(t, err)
}
