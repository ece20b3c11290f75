package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chunkcast/internal/digest"
)

// LoaderConfig bounds read-ahead.
type LoaderConfig struct {
	// MaxBufferAhead is the read-ahead target in front of the position.
	MaxBufferAhead time.Duration
	// MaxMaxBufferAhead caps the target when a single chunk is longer than
	// MaxBufferAhead.
	MaxMaxBufferAhead time.Duration
	// BytesPerSecond throttles chunk downloads. Zero means unlimited.
	BytesPerSecond int
}

// DefaultLoaderConfig matches the player defaults: 15s ahead, capped at 20s.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{MaxBufferAhead: 15 * time.Second, MaxMaxBufferAhead: 20 * time.Second}
}

// target is how far ahead the loader fills before fetching seg.
func (c LoaderConfig) target(seg Segment) time.Duration {
	t := c.MaxBufferAhead
	if seg.Duration > t {
		t = seg.Duration
	}
	if c.MaxMaxBufferAhead > 0 && t > c.MaxMaxBufferAhead {
		t = c.MaxMaxBufferAhead
	}
	return t
}

// ChunkLoader fetches chunks in order, verifies each against the manifest and
// appends it to the decoder. It stops on the first fault and reports it as an
// event; Start resumes from the chunk that failed.
type ChunkLoader struct {
	assetID  string
	source   Source
	decoder  Decoder
	timeline *Timeline
	cfg      LoaderConfig
	limiter  *rate.Limiter
	post     func(Event)
	log      *slog.Logger

	position atomic.Int64
	wake     chan struct{}

	mu      sync.Mutex
	next    int
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewChunkLoader returns a stopped loader positioned at chunk 1.
func NewChunkLoader(assetID string, src Source, dec Decoder, tl *Timeline, cfg LoaderConfig, post func(Event), log *slog.Logger) *ChunkLoader {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := rate.Inf
	burst := 0
	if cfg.BytesPerSecond > 0 {
		limit = rate.Limit(cfg.BytesPerSecond)
		burst = cfg.BytesPerSecond
	}
	return &ChunkLoader{
		assetID:  assetID,
		source:   src,
		decoder:  dec,
		timeline: tl,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		post:     post,
		log:      log,
		wake:     make(chan struct{}, 1),
		next:     1,
	}
}

// SetPosition tells the loader where playback is.
func (l *ChunkLoader) SetPosition(pos time.Duration) {
	l.position.Store(int64(pos))
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Next returns the index of the next chunk to fetch.
func (l *ChunkLoader) Next() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Running reports whether the fetch loop is active.
func (l *ChunkLoader) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start runs the fetch loop if it is not already running.
func (l *ChunkLoader) Start(ctx context.Context) {
	l.StartAfter(ctx, 0)
}

// StartAfter is Start with the first fetch held back by delay. The loader
// counts as running while it waits.
func (l *ChunkLoader) StartAfter(ctx context.Context, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, cancel, l.done, delay)
}

// Stop halts the fetch loop and waits for it to exit. The next index is kept.
func (l *ChunkLoader) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *ChunkLoader) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, delay time.Duration) {
	defer close(done)
	defer cancel()

	var fault *Fault
	if sleep(ctx, delay) {
		fault = l.fetch(ctx)
	}

	// Mark stopped before reporting so the StartLoad the fault triggers
	// is never swallowed by a loop that is still winding down.
	l.mu.Lock()
	l.running = false
	l.cancel = nil
	l.mu.Unlock()
	if fault != nil {
		l.post(FaultOccurred{Fault: fault})
	}
}

// fetch loads chunks until the timeline is exhausted, ctx ends or a fault
// occurs.
func (l *ChunkLoader) fetch(ctx context.Context) *Fault {
	for {
		seg, ok := l.timeline.Segment(l.Next())
		if !ok {
			return nil
		}
		if !l.waitForRoom(ctx, seg) {
			return nil
		}
		if err := l.load(ctx, seg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var f *Fault
			if !errors.As(err, &f) {
				f = &Fault{Class: FaultTransport, Index: seg.Index, Err: err}
			}
			l.log.Warn("chunk load fault",
				slog.String("asset_id", l.assetID),
				slog.Int("chunk_index", seg.Index),
				slog.String("class", f.Class.String()),
				slog.String("error", err.Error()))
			return f
		}

		l.mu.Lock()
		l.next = seg.Index + 1
		l.mu.Unlock()
		l.log.Debug("chunk buffered",
			slog.String("asset_id", l.assetID),
			slog.Int("chunk_index", seg.Index),
			slog.Duration("watermark", seg.End()))
		l.post(BufferAdvanced{Watermark: seg.End()})
	}
}

// waitForRoom blocks until the buffer in front of the position drops below
// the read-ahead target.
func (l *ChunkLoader) waitForRoom(ctx context.Context, seg Segment) bool {
	target := l.cfg.target(seg)
	for {
		pos := time.Duration(l.position.Load())
		if seg.Start-pos < target {
			return true
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return false
		}
	}
}

func (l *ChunkLoader) load(ctx context.Context, seg Segment) error {
	payload, err := l.source.Chunk(ctx, l.assetID, seg.Index)
	if err != nil {
		return err
	}
	if err := l.throttle(ctx, len(payload)); err != nil {
		return err
	}
	if digest.Sum(payload) != seg.Digest {
		return &Fault{Class: FaultFatal, Index: seg.Index, Err: ErrDigestMismatch}
	}
	if err := l.decoder.Append(seg, payload); err != nil {
		return &Fault{Class: FaultDecode, Index: seg.Index, Err: err}
	}
	return nil
}

// throttle charges n bytes against the limiter in burst-sized steps.
func (l *ChunkLoader) throttle(ctx context.Context, n int) error {
	if l.limiter.Limit() == rate.Inf {
		return nil
	}
	burst := l.limiter.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := l.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
