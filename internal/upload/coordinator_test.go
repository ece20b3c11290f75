package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkcast/internal/digest"
	"chunkcast/internal/media"
)

type fakeTransport struct {
	mu sync.Mutex

	initErr     error
	chunkErrAt  int
	completeErr error
	// blockAt makes SendChunk wait for ctx cancellation at this index.
	blockAt int

	inits     []InitRequest
	chunks    []ChunkRequest
	completes []string
}

func (f *fakeTransport) Init(_ context.Context, req InitRequest) (InitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, req)
	if f.initErr != nil {
		return InitResponse{}, f.initErr
	}
	return InitResponse{UploadID: "up-1"}, nil
}

func (f *fakeTransport) SendChunk(ctx context.Context, req ChunkRequest) error {
	f.mu.Lock()
	f.chunks = append(f.chunks, req)
	f.mu.Unlock()
	if req.Index == f.blockAt {
		<-ctx.Done()
		return ctx.Err()
	}
	if req.Index == f.chunkErrAt {
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeTransport) Complete(_ context.Context, uploadID string) (CompleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, uploadID)
	if f.completeErr != nil {
		return CompleteResponse{}, f.completeErr
	}
	return CompleteResponse{FileID: "file-1", Chunks: len(f.chunks)}, nil
}

func (f *fakeTransport) sentIndexes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.chunks))
	for _, c := range f.chunks {
		out = append(out, c.Index)
	}
	return out
}

func fourChunks() []*media.Chunk {
	return []*media.Chunk{
		media.NewMemoryChunk(1, []byte("chunk-one"), time.Minute),
		media.NewMemoryChunk(2, []byte("chunk-two"), time.Minute),
		media.NewMemoryChunk(3, []byte("chunk-three"), time.Minute),
		media.NewMemoryChunk(4, []byte("chunk-four"), 5*time.Second),
	}
}

func TestCoordinator_four_chunk_success(t *testing.T) {
	ft := &fakeTransport{}
	var progress []Progress
	var states []State
	c := NewCoordinator(ft,
		WithProgress(func(p Progress) { progress = append(progress, p) }),
		WithStateObserver(func(s State) { states = append(states, s) }))

	chunks := fourChunks()
	out := c.Upload(context.Background(), Request{Filename: "clip.mp4", Description: "demo", Chunks: chunks})

	require.True(t, out.Completed(), "outcome: %v", out.Error())
	assert.Equal(t, "up-1", out.UploadID)
	assert.Equal(t, "file-1", out.FileID)
	assert.Equal(t, StateCompleted, c.State())

	require.Len(t, ft.inits, 1)
	init := ft.inits[0]
	assert.Equal(t, 4, init.TotalChunks)
	assert.Equal(t, "clip.mp4", init.Filename)
	assert.Equal(t, "demo", init.FileContent)
	assert.Equal(t, int64(len("chunk-onechunk-twochunk-threechunk-four")), init.FileSize)
	assert.Equal(t, digest.Concat([]byte("chunk-one"), []byte("chunk-two"), []byte("chunk-three"), []byte("chunk-four")).String(), init.FileHash)

	assert.Equal(t, []int{1, 2, 3, 4}, ft.sentIndexes())
	for _, req := range ft.chunks {
		assert.Equal(t, "up-1", req.UploadID)
		assert.True(t, digest.Sum(req.Payload).Equal(req.ChunkHash))
	}
	assert.Equal(t, []string{"up-1"}, ft.completes)

	assert.Equal(t, []State{StateInitializing, StateUploading, StateCompleting, StateCompleted}, states)

	for _, ch := range chunks {
		assert.True(t, ch.Released())
	}

	require.Len(t, progress, 5)
	for i := 0; i < 3; i++ {
		assert.Equal(t, float64(i+1)/4, progress[i].Fraction())
	}
	assert.Less(t, progress[3].Fraction(), 1.0, "transfer alone must not read as done")
	assert.Equal(t, 1.0, progress[4].Fraction())
	assert.True(t, progress[4].Published)
}

func TestCoordinator_chunk_failure_aborts(t *testing.T) {
	ft := &fakeTransport{chunkErrAt: 2}
	var progress []Progress
	c := NewCoordinator(ft, WithProgress(func(p Progress) { progress = append(progress, p) }))

	chunks := fourChunks()
	out := c.Upload(context.Background(), Request{Filename: "clip.mp4", Chunks: chunks})

	assert.False(t, out.Completed())
	assert.Equal(t, StateFailed, out.State)
	require.NotNil(t, out.Err)
	assert.Equal(t, ReasonChunkTransferFailed, out.Err.Reason)
	assert.Equal(t, 2, out.Err.ChunkIndex)
	assert.Equal(t, "up-1", out.Err.UploadID)
	assert.ErrorIs(t, out.Error(), ChunkTransferFailed(2))
	assert.NotErrorIs(t, out.Error(), ChunkTransferFailed(3))

	assert.Equal(t, []int{1, 2}, ft.sentIndexes(), "chunks after the failure must not be sent")
	assert.Empty(t, ft.completes)

	require.Len(t, progress, 1)
	assert.Equal(t, 0.25, progress[0].Fraction())

	for _, ch := range chunks {
		assert.True(t, ch.Released(), "chunk %d not released", ch.Index)
	}
}

func TestCoordinator_init_rejected(t *testing.T) {
	ft := &fakeTransport{initErr: &StatusError{Op: "init", StatusCode: 400}}
	c := NewCoordinator(ft)

	out := c.Upload(context.Background(), Request{Filename: "clip.mp4", Chunks: fourChunks()})

	assert.ErrorIs(t, out.Error(), ErrInitRejected)
	assert.Empty(t, out.UploadID)
	assert.Empty(t, ft.chunks)
	assert.Empty(t, ft.completes)
	assert.Len(t, ft.inits, 1, "init is never retried")
}

func TestCoordinator_complete_failed(t *testing.T) {
	ft := &fakeTransport{completeErr: &StatusError{Op: "complete", StatusCode: 409}}
	var last Progress
	c := NewCoordinator(ft, WithProgress(func(p Progress) { last = p }))

	out := c.Upload(context.Background(), Request{Filename: "clip.mp4", Chunks: fourChunks()})

	assert.ErrorIs(t, out.Error(), ErrCompleteFailed)
	assert.Equal(t, "up-1", out.UploadID)
	assert.Len(t, ft.chunks, 4)
	assert.False(t, last.Published)
	assert.Less(t, last.Fraction(), 1.0)
}

func TestCoordinator_no_chunks(t *testing.T) {
	ft := &fakeTransport{}
	out := NewCoordinator(ft).Upload(context.Background(), Request{Filename: "empty.mp4"})

	assert.ErrorIs(t, out.Error(), ErrSegmentationFailed)
	assert.Empty(t, ft.inits)
}

func TestCoordinator_canceled_mid_transfer(t *testing.T) {
	ft := &fakeTransport{blockAt: 3}
	ctx, cancel := context.WithCancel(context.Background())
	c := NewCoordinator(ft, WithProgress(func(p Progress) {
		if p.Acknowledged == 2 {
			cancel()
		}
	}))

	out := c.Upload(ctx, Request{Filename: "clip.mp4", Chunks: fourChunks()})

	assert.ErrorIs(t, out.Error(), ErrCanceled)
	assert.Equal(t, "up-1", out.Err.UploadID)
	assert.NotContains(t, ft.sentIndexes(), 4)
	assert.Empty(t, ft.completes)
}

func TestCoordinator_single_use(t *testing.T) {
	ft := &fakeTransport{}
	c := NewCoordinator(ft)
	require.True(t, c.Upload(context.Background(), Request{Filename: "a", Chunks: fourChunks()}).Completed())

	out := c.Upload(context.Background(), Request{Filename: "a", Chunks: fourChunks()})
	assert.ErrorIs(t, out.Error(), ErrInvalidState)
	assert.Len(t, ft.inits, 1)
}

type failingSegmenter struct{}

func (failingSegmenter) Segment(context.Context, *media.SourceAsset, time.Duration) (*media.Segmentation, error) {
	return nil, media.ErrSegmentationFailed
}

func TestPublish(t *testing.T) {
	t.Run("segmentation_failure_makes_no_calls", func(t *testing.T) {
		ft := &fakeTransport{}
		src := media.NewMemorySource("bad.mp4", []byte("x"), time.Minute)
		out := Publish(context.Background(), failingSegmenter{}, src, time.Minute, nil, NewCoordinator(ft))

		assert.ErrorIs(t, out.Error(), ErrSegmentationFailed)
		assert.Empty(t, ft.inits)
	})

	t.Run("packet_segmenter_end_to_end", func(t *testing.T) {
		ft := &fakeTransport{}
		data := make([]byte, 188*1850)
		src := media.NewMemorySource("clip.ts", data, 185*time.Second)
		out := Publish(context.Background(), media.PacketSegmenter{}, src, 60*time.Second, []byte{0x89, 'P', 'N', 'G'}, NewCoordinator(ft))

		require.True(t, out.Completed(), "outcome: %v", out.Error())
		assert.Equal(t, []int{1, 2, 3, 4}, ft.sentIndexes())
		assert.Equal(t, 5*time.Second, ft.chunks[3].Duration)
		assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, ft.inits[0].Thumbnail)
	})
}

func TestProgress_Fraction(t *testing.T) {
	assert.Zero(t, Progress{}.Fraction())
	assert.Equal(t, 0.5, Progress{Acknowledged: 1, Total: 2}.Fraction())
	assert.Less(t, Progress{Acknowledged: 2, Total: 2}.Fraction(), 1.0)
	assert.Equal(t, 1.0, Progress{Acknowledged: 2, Total: 2, Published: true}.Fraction())
}

func TestError_Message(t *testing.T) {
	err := &Error{Reason: ReasonChunkTransferFailed, ChunkIndex: 2, Err: errors.New("boom")}
	assert.Equal(t, "upload failed: ChunkTransferFailed(2): boom", err.Error())
	assert.Contains(t, err.Message(), "Chunk 2")
}
