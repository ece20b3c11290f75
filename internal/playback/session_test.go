package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkcast/internal/digest"
)

// memSource serves a fixed set of TS-framed chunks from memory.
type memSource struct {
	mu        sync.Mutex
	chunks    [][]byte
	durations []time.Duration
	manifest  *Manifest
	fetches   []int
	// failOnce fails the first fetch of each listed index.
	failOnce map[int]bool
	// corrupt serves a payload that does not match its digest.
	corrupt  map[int]bool
	notFound bool
}

func newMemSource(n int, dur time.Duration) *memSource {
	s := &memSource{failOnce: map[int]bool{}, corrupt: map[int]bool{}}
	m := &Manifest{FileID: "asset-1", FileName: "clip.ts"}
	var all []byte
	for i := 1; i <= n; i++ {
		p := append([]byte{tsSync}, []byte(fmt.Sprintf("chunk-%d", i))...)
		s.chunks = append(s.chunks, p)
		s.durations = append(s.durations, dur)
		m.Chunks = append(m.Chunks, ChunkRef{Index: i, Hash: digest.Sum(p).String()})
		all = append(all, p...)
	}
	m.FileSize = int64(len(all))
	m.FileHash = digest.Sum(all).String()
	s.manifest = m
	return s
}

func (s *memSource) Resolve(_ context.Context, assetID string) (*Manifest, error) {
	if s.notFound {
		return nil, &ManifestError{Kind: ManifestNotFound, AssetID: assetID}
	}
	return s.manifest, nil
}

func (s *memSource) Playlist(context.Context, string) (*Playlist, error) {
	pl := &Playlist{Ended: true}
	for i, d := range s.durations {
		pl.Entries = append(pl.Entries, PlaylistEntry{Duration: d, URI: fmt.Sprintf("chunk/%d", i+1)})
	}
	return pl, nil
}

func (s *memSource) Chunk(_ context.Context, _ string, index int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, index)
	if s.failOnce[index] {
		delete(s.failOnce, index)
		return nil, &Fault{Class: FaultTransport, Index: index, Err: errors.New("connection reset")}
	}
	if s.corrupt[index] {
		return []byte{tsSync, 'x'}, nil
	}
	return s.chunks[index-1], nil
}

func (s *memSource) fetched() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.fetches...)
}

func testConfig() Config {
	return Config{
		Policy:       Policy{ResumeMargin: 20 * time.Millisecond, MaxRecoveries: 3},
		Loader:       DefaultLoaderConfig(),
		TickInterval: 5 * time.Millisecond,
	}
}

type recorder struct {
	mu     sync.Mutex
	models []Model
}

func (r *recorder) observe(m Model) {
	r.mu.Lock()
	r.models = append(r.models, m)
	r.mu.Unlock()
}

func (r *recorder) all() []Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Model(nil), r.models...)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().State == want },
		5*time.Second, 2*time.Millisecond, "state %s, want %s", s.Snapshot().State, want)
}

func TestSession_plays_to_end(t *testing.T) {
	src := newMemSource(3, 60*time.Millisecond)
	var out bytes.Buffer
	dec := NewContainerDecoder(&out)
	s := NewSession(src, dec, testConfig())
	defer s.Close()

	s.Open("asset-1")
	waitState(t, s, StateReady)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, src.fetched(), "nothing is fetched before play")

	s.Play()
	require.Eventually(t, func() bool { return s.Snapshot().Ended }, 5*time.Second, 2*time.Millisecond)

	m := s.Snapshot()
	assert.Equal(t, StatePaused, m.State)
	assert.Equal(t, 180*time.Millisecond, m.Playback.Position)
	assert.Equal(t, []int{1, 2, 3}, src.fetched())
	assert.Equal(t, 3, dec.Appended())

	var want []byte
	for _, c := range src.chunks {
		want = append(want, c...)
	}
	assert.Equal(t, want, out.Bytes())
}

func TestSession_transport_fault_resumes_in_place(t *testing.T) {
	src := newMemSource(3, 60*time.Millisecond)
	src.failOnce[2] = true
	rec := &recorder{}
	dec := NewContainerDecoder(nil)
	s := NewSession(src, dec, testConfig(), WithObserver(rec.observe))
	defer s.Close()

	s.SetVolume(0.3)
	s.Open("asset-1")
	waitState(t, s, StateReady)
	s.Play()
	require.Eventually(t, func() bool { return s.Snapshot().Ended }, 5*time.Second, 2*time.Millisecond)

	assert.Equal(t, []int{1, 2, 2, 3}, src.fetched(), "resume restarts at the failed chunk")
	assert.Equal(t, 3, dec.Appended())
	assert.Zero(t, dec.Resets())

	var last time.Duration
	for _, m := range rec.all() {
		assert.Equal(t, 0.3, m.Playback.Volume)
		assert.GreaterOrEqual(t, m.Playback.Position, last, "position moved backwards")
		last = m.Playback.Position
	}
}

// outageSource fails every chunk fetch until the outage ends.
type outageSource struct {
	*memSource
	until time.Time
	fails atomic.Int32
}

func (s *outageSource) Chunk(ctx context.Context, assetID string, index int) ([]byte, error) {
	if time.Now().Before(s.until) {
		s.fails.Add(1)
		return nil, &Fault{Class: FaultTransport, Index: index, Err: errors.New("network unreachable")}
	}
	return s.memSource.Chunk(ctx, assetID, index)
}

func TestSession_survives_network_outage(t *testing.T) {
	src := &outageSource{memSource: newMemSource(3, 60*time.Millisecond)}
	cfg := testConfig()
	cfg.Policy.RetryDelay = 40 * time.Millisecond
	cfg.Policy.MaxRetryDelay = 160 * time.Millisecond
	s := NewSession(src, NewContainerDecoder(nil), cfg)
	defer s.Close()

	s.SetVolume(0.6)
	s.Open("asset-1")
	waitState(t, s, StateReady)
	src.until = time.Now().Add(200 * time.Millisecond)
	s.Play()

	require.Eventually(t, func() bool { return s.Snapshot().Ended }, 5*time.Second, 5*time.Millisecond,
		"state %s err %v", s.Snapshot().State, s.Snapshot().Err)
	m := s.Snapshot()
	assert.Equal(t, StatePaused, m.State)
	assert.NoError(t, m.Err)
	assert.Equal(t, 0.6, m.Playback.Volume)
	assert.Equal(t, 180*time.Millisecond, m.Playback.Position)
	assert.Positive(t, src.fails.Load())
	assert.LessOrEqual(t, int(src.fails.Load()), cfg.Policy.MaxRecoveries, "retries are spaced out, not immediate")
}

func TestSession_digest_mismatch_is_fatal(t *testing.T) {
	src := newMemSource(3, 60*time.Millisecond)
	src.corrupt[2] = true
	var reported []error
	var mu sync.Mutex
	s := NewSession(src, NewContainerDecoder(nil), testConfig(), WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	defer s.Close()

	s.Open("asset-1")
	waitState(t, s, StateReady)
	s.Play()
	waitState(t, s, StateErrored)

	m := s.Snapshot()
	assert.ErrorIs(t, m.Err, ErrDigestMismatch)
	assert.ErrorIs(t, m.Err, ErrFatalFault)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, src.fetched(), "no recovery after a fatal fault")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
}

type flakyDecoder struct {
	*ContainerDecoder
	mu      sync.Mutex
	failsAt int
}

func (d *flakyDecoder) Append(seg Segment, payload []byte) error {
	d.mu.Lock()
	fail := seg.Index == d.failsAt
	if fail {
		d.failsAt = 0
	}
	d.mu.Unlock()
	if fail {
		return errors.New("corrupt frame")
	}
	return d.ContainerDecoder.Append(seg, payload)
}

func TestSession_decode_fault_resets_decoder(t *testing.T) {
	src := newMemSource(2, 60*time.Millisecond)
	dec := &flakyDecoder{ContainerDecoder: NewContainerDecoder(nil), failsAt: 2}
	s := NewSession(src, dec, testConfig())
	defer s.Close()

	s.Open("asset-1")
	waitState(t, s, StateReady)
	s.Play()
	require.Eventually(t, func() bool { return s.Snapshot().Ended }, 5*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, dec.Resets())
	assert.Equal(t, 2, dec.Appended())
	assert.Equal(t, []int{1, 2, 2}, src.fetched())
}

func TestSession_manifest_not_found(t *testing.T) {
	src := newMemSource(1, time.Second)
	src.notFound = true
	s := NewSession(src, NewContainerDecoder(nil), testConfig())
	defer s.Close()

	s.Open("nope")
	waitState(t, s, StateErrored)
	assert.ErrorIs(t, s.Snapshot().Err, ErrManifestNotFound)
}

type unsupportedDecoder struct{ *ContainerDecoder }

func (unsupportedDecoder) Supported() bool { return false }

func TestSession_unsupported(t *testing.T) {
	src := newMemSource(1, time.Second)
	s := NewSession(src, unsupportedDecoder{NewContainerDecoder(nil)}, testConfig())
	defer s.Close()

	s.Open("asset-1")
	waitState(t, s, StateErrored)
	assert.ErrorIs(t, s.Snapshot().Err, ErrPlaybackUnsupported)
	assert.Empty(t, src.fetched())
}

func TestSession_close(t *testing.T) {
	src := newMemSource(3, time.Hour)
	s := NewSession(src, NewContainerDecoder(nil), testConfig())
	s.Open("asset-1")
	waitState(t, s, StateReady)
	s.Play()
	waitState(t, s, StatePlaying)

	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	default:
		t.Fatal("session not torn down")
	}
	require.NoError(t, s.Close())

	s.Play()
	assert.Equal(t, StateIdle, s.Snapshot().State)
}

func TestChunkLoader_respects_read_ahead(t *testing.T) {
	src := newMemSource(5, 10*time.Second)
	m, _ := src.Resolve(context.Background(), "asset-1")
	pl, _ := src.Playlist(context.Background(), "asset-1")
	tl, err := NewTimeline(m, pl)
	require.NoError(t, err)

	events := make(chan Event, 16)
	cfg := LoaderConfig{MaxBufferAhead: 15 * time.Second, MaxMaxBufferAhead: 20 * time.Second}
	l := NewChunkLoader("asset-1", src, NewContainerDecoder(nil), tl, cfg, func(ev Event) { events <- ev }, nil)
	l.Start(context.Background())
	defer l.Stop()

	require.Equal(t, BufferAdvanced{Watermark: 10 * time.Second}, <-events)
	require.Equal(t, BufferAdvanced{Watermark: 20 * time.Second}, <-events)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, src.fetched(), "20s ahead is the limit")

	l.SetPosition(6 * time.Second)
	require.Equal(t, BufferAdvanced{Watermark: 30 * time.Second}, <-events)
	assert.Equal(t, 4, l.Next())
}

func TestChunkLoader_throttle(t *testing.T) {
	src := newMemSource(2, time.Second)
	m, _ := src.Resolve(context.Background(), "asset-1")
	pl, _ := src.Playlist(context.Background(), "asset-1")
	tl, err := NewTimeline(m, pl)
	require.NoError(t, err)

	cfg := DefaultLoaderConfig()
	cfg.BytesPerSecond = 4
	events := make(chan Event, 4)
	l := NewChunkLoader("asset-1", src, NewContainerDecoder(nil), tl, cfg, func(ev Event) { events <- ev }, nil)

	started := time.Now()
	l.Start(context.Background())
	defer l.Stop()
	<-events
	<-events
	// 16 bytes at 4 B/s with a 4-byte burst.
	assert.GreaterOrEqual(t, time.Since(started), 2*time.Second)
}
