package publish

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkcast/internal/digest"
)

func hashOf(s string) string { return digest.Sum([]byte(s)).String() }

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	blobs, err := NewDiskBlobStore(t.TempDir())
	require.NoError(t, err)
	return NewService(NewInMemoryStore(), NewInMemoryAckRepository(), blobs, opts...)
}

func initUpload(t *testing.T, svc *Service, name string, chunks ...string) FileID {
	t.Helper()
	whole := strings.Join(chunks, "")
	id, err := svc.Init(context.Background(), InitRequest{
		FileSize:    int64(len(whole)),
		Filename:    name,
		FileHash:    hashOf(whole),
		TotalChunks: len(chunks),
	})
	require.NoError(t, err)
	return id
}

func sendChunk(svc *Service, id FileID, index int, payload string) error {
	return svc.Chunk(context.Background(), ChunkUpload{
		UploadID: id,
		Index:    index,
		Hash:     hashOf(payload),
		Payload:  []byte(payload),
	})
}

func publishFile(t *testing.T, svc *Service, name string, chunks ...string) FileID {
	t.Helper()
	id := initUpload(t, svc, name, chunks...)
	for i, c := range chunks {
		require.NoError(t, sendChunk(svc, id, i+1, c))
	}
	_, err := svc.Complete(context.Background(), id)
	require.NoError(t, err)
	return id
}

func TestService_Init_validation(t *testing.T) {
	svc := newTestService(t)
	valid := InitRequest{FileSize: 4, Filename: "a.mp4", FileHash: hashOf("abcd"), TotalChunks: 1}

	cases := map[string]func(*InitRequest){
		"blank_filename":  func(r *InitRequest) { r.Filename = "  " },
		"zero_size":       func(r *InitRequest) { r.FileSize = 0 },
		"zero_chunks":     func(r *InitRequest) { r.TotalChunks = 0 },
		"short_hash":      func(r *InitRequest) { r.FileHash = "abc" },
		"non_hex_hash":    func(r *InitRequest) { r.FileHash = strings.Repeat("z", 64) },
		"negative_chunks": func(r *InitRequest) { r.TotalChunks = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			_, err := svc.Init(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	id, err := svc.Init(context.Background(), valid)
	require.NoError(t, err)
	assert.Len(t, string(id), 36)
	assert.Equal(t, 1, svc.ActiveSessions(context.Background()))
}

func TestService_Chunk(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	id := initUpload(t, svc, "a.mp4", "aaaa", "bbbb")

	t.Run("checksum_mismatch", func(t *testing.T) {
		err := svc.Chunk(ctx, ChunkUpload{UploadID: id, Index: 1, Hash: hashOf("aaaa"), Payload: []byte("aaax")})
		assert.ErrorIs(t, err, ErrChecksumMismatch)
		_, acked, _ := svc.acks.Acked(ctx, id)
		assert.Empty(t, acked, "a rejected chunk is never acknowledged")
	})

	t.Run("out_of_range", func(t *testing.T) {
		assert.ErrorIs(t, sendChunk(svc, id, 0, "aaaa"), ErrChunkOutOfRange)
		assert.ErrorIs(t, sendChunk(svc, id, 3, "aaaa"), ErrChunkOutOfRange)
	})

	t.Run("unknown_session", func(t *testing.T) {
		assert.ErrorIs(t, sendChunk(svc, "nope", 1, "aaaa"), ErrNotFound)
		assert.ErrorIs(t, sendChunk(svc, "", 1, "aaaa"), ErrInvalidRequest)
	})

	t.Run("resend_same_digest_is_idempotent", func(t *testing.T) {
		require.NoError(t, sendChunk(svc, id, 1, "aaaa"))
		require.NoError(t, sendChunk(svc, id, 1, "aaaa"))
		_, acked, err := svc.acks.Acked(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []int{1}, acked)
	})

	t.Run("different_digest_conflicts", func(t *testing.T) {
		assert.ErrorIs(t, sendChunk(svc, id, 1, "zzzz"), ErrChunkConflict)
	})

	t.Run("invalid_duration", func(t *testing.T) {
		for _, d := range []float64{-1, math.NaN(), math.Inf(1), 1e12} {
			err := svc.Chunk(ctx, ChunkUpload{UploadID: id, Index: 2, Hash: hashOf("bbbb"), Duration: d, Payload: []byte("bbbb")})
			assert.ErrorIs(t, err, ErrInvalidRequest, "duration %v", d)
		}
		_, err := svc.store.GetChunk(ctx, id, 2)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("too_large", func(t *testing.T) {
		small := newTestService(t, WithMaxChunkBytes(3))
		sid := initUpload(t, small, "a.mp4", "aaaa")
		assert.ErrorIs(t, sendChunk(small, sid, 1, "aaaa"), ErrChunkTooLarge)
	})
}

func TestService_Complete(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_chunks", func(t *testing.T) {
		svc := newTestService(t)
		id := initUpload(t, svc, "a.mp4", "aaaa", "bbbb", "cccc")
		require.NoError(t, sendChunk(svc, id, 2, "bbbb"))

		_, err := svc.Complete(ctx, id)
		var inc *IncompleteError
		require.ErrorAs(t, err, &inc)
		assert.Equal(t, []int{1, 3}, inc.Missing)
		assert.ErrorIs(t, err, ErrIncomplete)
	})

	t.Run("whole_file_mismatch", func(t *testing.T) {
		svc := newTestService(t)
		id, err := svc.Init(ctx, InitRequest{FileSize: 8, Filename: "a.mp4", FileHash: hashOf("bbbbaaaa"), TotalChunks: 2})
		require.NoError(t, err)
		require.NoError(t, sendChunk(svc, id, 1, "aaaa"))
		require.NoError(t, sendChunk(svc, id, 2, "bbbb"))

		_, err = svc.Complete(ctx, id)
		assert.ErrorIs(t, err, ErrChecksumMismatch)
		_, err = svc.Manifest(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, "unverified files are not published")
	})

	t.Run("publishes_and_closes_session", func(t *testing.T) {
		svc := newTestService(t)
		id := initUpload(t, svc, "a.mp4", "aaaa", "bbbb")
		require.NoError(t, sendChunk(svc, id, 2, "bbbb"))
		require.NoError(t, sendChunk(svc, id, 1, "aaaa"))

		res, err := svc.Complete(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, CompleteResult{FileID: id, Chunks: 2}, res)
		assert.Zero(t, svc.ActiveSessions(ctx))

		_, err = svc.Complete(ctx, id)
		assert.ErrorIs(t, err, ErrSessionClosed)
		assert.ErrorIs(t, sendChunk(svc, id, 1, "aaaa"), ErrSessionClosed)
	})

	t.Run("session_cleanup_failure_still_publishes", func(t *testing.T) {
		blobs, err := NewDiskBlobStore(t.TempDir())
		require.NoError(t, err)
		acks := &stuckAckRepository{InMemoryAckRepository: NewInMemoryAckRepository()}
		svc := NewService(NewInMemoryStore(), acks, blobs)
		id := initUpload(t, svc, "a.mp4", "aaaa")
		require.NoError(t, sendChunk(svc, id, 1, "aaaa"))

		res, err := svc.Complete(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Chunks)
		_, err = svc.Manifest(ctx, id)
		assert.NoError(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		svc := newTestService(t)
		_, err := svc.Complete(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// stuckAckRepository cannot clear sessions.
type stuckAckRepository struct {
	*InMemoryAckRepository
}

func (stuckAckRepository) Clear(context.Context, FileID) error {
	return errors.New("redis: connection refused")
}

func TestService_downloads(t *testing.T) {
	svc := newTestService(t, WithSegmentSeconds(10))
	ctx := context.Background()
	id := initUpload(t, svc, "clip.mp4", "aaaa", "bbbbbb")
	require.NoError(t, svc.Chunk(ctx, ChunkUpload{UploadID: id, Index: 1, Hash: hashOf("aaaa"), Duration: 60, Payload: []byte("aaaa")}))
	require.NoError(t, sendChunk(svc, id, 2, "bbbbbb"))

	_, err := svc.Playlist(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound, "nothing is served before completion")

	_, err = svc.Complete(ctx, id)
	require.NoError(t, err)

	m, err := svc.Manifest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, &Manifest{
		FileID:   id,
		FileName: "clip.mp4",
		FileSize: 10,
		FileHash: hashOf("aaaabbbbbb"),
		Chunks:   []ChunkRef{{Index: 1, Hash: hashOf("aaaa")}, {Index: 2, Hash: hashOf("bbbbbb")}},
	}, m)

	pl, err := svc.Playlist(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, pl, "#EXTINF:60.000,\nchunk/1\n")
	assert.Contains(t, pl, "#EXTINF:10.000,\nchunk/2\n", "undeclared duration falls back to the segment length")

	rc, size, err := svc.OpenChunk(ctx, id, 2)
	require.NoError(t, err)
	var buf bytes.Buffer
	buf.ReadFrom(rc)
	rc.Close()
	assert.Equal(t, int64(6), size)
	assert.Equal(t, "bbbbbb", buf.String())

	_, _, err = svc.OpenChunk(ctx, id, 3)
	assert.ErrorIs(t, err, ErrNotFound)

	exp, err := svc.OpenExport(ctx, id)
	require.NoError(t, err)
	buf.Reset()
	n, err := exp.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, "aaaabbbbbb", buf.String())
	assert.Equal(t, "clip.mp4", exp.Name)
}

func TestService_catalog(t *testing.T) {
	now := epoch
	svc := newTestService(t, WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	}))
	ctx := context.Background()
	publishFile(t, svc, "Sunset timelapse", "aa")
	publishFile(t, svc, "Sunrise", "bb")
	initUpload(t, svc, "Sunny draft", "cc")

	latest, err := svc.Latest(ctx, Page{})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "Sunrise", latest[0].Name)

	found, err := svc.Search(ctx, "  SUNSET ", Page{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Sunset timelapse", found[0].Name)
}
