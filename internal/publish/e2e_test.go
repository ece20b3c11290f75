package publish_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkcast/internal/digest"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/playback"
	"chunkcast/internal/publish"
	"chunkcast/internal/upload"
)

func tsPayload(packets int) []byte {
	b := make([]byte, packets*media.TSPacketSize)
	for i := range b {
		if i%media.TSPacketSize == 0 {
			b[i] = 0x47
		} else {
			b[i] = byte(i % 251)
		}
	}
	return b
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := publish.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	blobs, err := publish.NewDiskBlobStore(t.TempDir())
	require.NoError(t, err)

	svc := publish.NewService(store, publish.NewInMemoryAckRepository(), blobs)
	r := chi.NewRouter()
	publish.NewHandler(svc, logger.Discard(), nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestUploadThenPlayBack(t *testing.T) {
	srv := newServer(t)
	data := tsPayload(30)
	src := media.NewMemorySource("clip.ts", data, 300*time.Millisecond)

	var progress []float64
	c := upload.NewCoordinator(
		upload.NewHTTPTransport(srv.URL, nil, 5*time.Second),
		upload.WithProgress(func(p upload.Progress) { progress = append(progress, p.Fraction()) }),
	)
	out := upload.Publish(context.Background(), media.PacketSegmenter{}, src, 100*time.Millisecond, nil, c)
	require.True(t, out.Completed(), "upload failed: %v", out.Error())
	require.NotEmpty(t, out.FileID)
	assert.Equal(t, 1.0, progress[len(progress)-1])

	source := playback.NewHTTPSource(srv.URL, nil, 5*time.Second)
	m, err := source.Resolve(context.Background(), out.FileID)
	require.NoError(t, err)
	assert.Equal(t, digest.Sum(data).String(), m.FileHash)
	assert.Len(t, m.Chunks, 3)

	var played bytes.Buffer
	cfg := playback.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	s := playback.NewSession(source, playback.NewContainerDecoder(&played), cfg)
	defer s.Close()

	s.Open(out.FileID)
	require.Eventually(t, func() bool { return s.Snapshot().State == playback.StateReady },
		5*time.Second, 2*time.Millisecond)
	s.Play()
	require.Eventually(t, func() bool { return s.Snapshot().Ended }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 300*time.Millisecond, s.Snapshot().Playback.Position)
	assert.Equal(t, data, played.Bytes(), "playback reassembles the uploaded bytes")
}

func TestUpload_rejected_by_server(t *testing.T) {
	srv := newServer(t)
	c := upload.NewCoordinator(upload.NewHTTPTransport(srv.URL, nil, 5*time.Second))

	out := c.Upload(context.Background(), upload.Request{
		Filename: " ",
		Chunks:   []*media.Chunk{media.NewMemoryChunk(1, tsPayload(1), time.Second)},
	})
	require.False(t, out.Completed())
	assert.ErrorIs(t, out.Error(), upload.ErrInitRejected)
	var se *upload.StatusError
	require.ErrorAs(t, out.Error(), &se)
	assert.Equal(t, 400, se.StatusCode)
}
