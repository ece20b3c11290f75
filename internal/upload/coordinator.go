// Package upload drives the client side of the chunked upload protocol:
// init, then every chunk in index order, then complete.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"chunkcast/internal/digest"
	"chunkcast/internal/media"
)

// Request describes one asset to publish.
type Request struct {
	Filename    string
	Description string
	Thumbnail   []byte
	// Chunks must be indexed 1..N in order.
	Chunks []*media.Chunk
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default discards.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithProgress registers a callback invoked after each acknowledged chunk and
// once after complete succeeds. Calls are serialized.
func WithProgress(fn func(Progress)) Option {
	return func(c *Coordinator) { c.onProgress = fn }
}

// WithStateObserver registers a callback invoked on every state change.
func WithStateObserver(fn func(State)) Option {
	return func(c *Coordinator) { c.onState = fn }
}

// Coordinator runs a single upload attempt. It is not reusable: a second
// Upload returns an InvalidState failure without touching the transport.
type Coordinator struct {
	transport  Transport
	log        *slog.Logger
	onProgress func(Progress)
	onState    func(State)

	mu    sync.Mutex
	state State
	used  bool
}

// NewCoordinator returns a Coordinator in the Idle state.
func NewCoordinator(t Transport, opts ...Option) *Coordinator {
	c := &Coordinator{transport: t, state: StateIdle}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Coordinator) claim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return false
	}
	c.used = true
	return true
}

// Upload runs init, every chunk in order, and complete. It always returns
// exactly one Outcome, and every chunk is released before it returns.
func (c *Coordinator) Upload(ctx context.Context, req Request) Outcome {
	if !c.claim() {
		return alreadyUsed()
	}
	return c.run(ctx, req)
}

func alreadyUsed() Outcome {
	return Outcome{State: StateFailed, Err: &Error{Reason: ReasonInvalidState, Err: errors.New("coordinator already used")}}
}

func (c *Coordinator) run(ctx context.Context, req Request) Outcome {
	defer releaseAll(req.Chunks)

	total := len(req.Chunks)
	if total == 0 {
		return c.fail(ctx, &Error{Reason: ReasonSegmentationFailed, Err: media.ErrNoChunks})
	}

	whole, size, err := media.HashChunks(req.Chunks)
	if err != nil {
		return c.fail(ctx, &Error{Reason: ReasonLocalIO, Err: err})
	}

	c.setState(StateInitializing)
	c.log.Info("upload init",
		slog.String("filename", req.Filename),
		slog.Int64("size", size),
		slog.Int("total_chunks", total),
		slog.String("file_hash", whole.String()))

	initResp, err := c.transport.Init(ctx, InitRequest{
		FileSize:    size,
		Filename:    req.Filename,
		FileContent: req.Description,
		FileHash:    whole.String(),
		TotalChunks: total,
		Thumbnail:   req.Thumbnail,
	})
	if err != nil {
		return c.fail(ctx, &Error{Reason: ReasonInitRejected, Err: err})
	}
	uploadID := initResp.UploadID

	c.setState(StateUploading)
	if err := c.sendChunks(ctx, uploadID, req); err != nil {
		var uerr *Error
		if !errors.As(err, &uerr) {
			uerr = &Error{Reason: ReasonChunkTransferFailed, Err: err}
		}
		uerr.UploadID = uploadID
		return c.fail(ctx, uerr)
	}

	c.setState(StateCompleting)
	done, err := c.transport.Complete(ctx, uploadID)
	if err != nil {
		return c.fail(ctx, &Error{Reason: ReasonCompleteFailed, UploadID: uploadID, Err: err})
	}

	c.setState(StateCompleted)
	c.report(Progress{Acknowledged: total, Total: total, Published: true})
	c.log.Info("upload completed",
		slog.String("upload_id", uploadID),
		slog.String("file_id", done.FileID),
		slog.Int("total_chunks", total))
	return Outcome{State: StateCompleted, UploadID: uploadID, FileID: done.FileID}
}

type loadedChunk struct {
	chunk   *media.Chunk
	payload []byte
	digest  digest.Digest
}

// sendChunks transfers chunks strictly in order. A reader goroutine loads at
// most one payload ahead of the one in flight.
func (c *Coordinator) sendChunks(ctx context.Context, uploadID string, req Request) error {
	total := len(req.Chunks)
	g, gctx := errgroup.WithContext(ctx)
	loaded := make(chan loadedChunk)

	g.Go(func() error {
		defer close(loaded)
		for _, ch := range req.Chunks {
			payload, err := ch.Payload()
			if err != nil {
				return &Error{Reason: ReasonLocalIO, ChunkIndex: ch.Index, Err: err}
			}
			d, err := ch.Digest()
			if err != nil {
				return &Error{Reason: ReasonLocalIO, ChunkIndex: ch.Index, Err: err}
			}
			select {
			case loaded <- loadedChunk{chunk: ch, payload: payload, digest: d}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		acked := 0
		for lc := range loaded {
			err := c.transport.SendChunk(gctx, ChunkRequest{
				UploadID:  uploadID,
				Index:     lc.chunk.Index,
				ChunkHash: lc.digest.String(),
				Filename:  fmt.Sprintf("%s.part%03d", req.Filename, lc.chunk.Index),
				Duration:  lc.chunk.Duration,
				Payload:   lc.payload,
			})
			if err != nil {
				return &Error{Reason: ReasonChunkTransferFailed, ChunkIndex: lc.chunk.Index, Err: err}
			}
			if err := lc.chunk.Release(); err != nil {
				c.log.Warn("release chunk failed",
					slog.String("upload_id", uploadID),
					slog.Int("chunk_index", lc.chunk.Index),
					slog.String("error", err.Error()))
			}
			acked++
			c.log.Debug("chunk acknowledged",
				slog.String("upload_id", uploadID),
				slog.Int("chunk_index", lc.chunk.Index),
				slog.Int("total_chunks", total))
			c.report(Progress{Acknowledged: acked, Total: total})
		}
		return nil
	})

	return g.Wait()
}

func (c *Coordinator) report(p Progress) {
	if c.onProgress != nil {
		c.onProgress(p)
	}
}

// fail moves to Failed. A failure caused by ctx cancellation is reported as
// Canceled, keeping the chunk index and upload ID.
func (c *Coordinator) fail(ctx context.Context, e *Error) Outcome {
	if ctx.Err() != nil && e.Reason != ReasonInvalidState {
		e = &Error{Reason: ReasonCanceled, ChunkIndex: e.ChunkIndex, UploadID: e.UploadID, Err: ctx.Err()}
	}
	c.setState(StateFailed)
	c.log.Warn("upload failed",
		slog.String("upload_id", e.UploadID),
		slog.String("reason", string(e.Reason)),
		slog.Int("chunk_index", e.ChunkIndex),
		slog.Any("error", e.Err))
	return Outcome{State: StateFailed, UploadID: e.UploadID, Err: e}
}

func releaseAll(chunks []*media.Chunk) {
	for _, ch := range chunks {
		_ = ch.Release()
	}
}
