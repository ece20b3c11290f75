package playback

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Config bundles the playback thresholds.
type Config struct {
	Policy Policy
	Loader LoaderConfig
	// TickInterval is how often the playhead reports the position.
	TickInterval time.Duration
}

// DefaultConfig returns the player defaults.
func DefaultConfig() Config {
	return Config{
		Policy:       DefaultPolicy(),
		Loader:       DefaultLoaderConfig(),
		TickInterval: 250 * time.Millisecond,
	}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

func WithLogger(log *slog.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithObserver registers fn to receive the model after every event. It runs
// on the session goroutine and must not block.
func WithObserver(fn func(Model)) SessionOption {
	return func(s *Session) { s.observers = append(s.observers, fn) }
}

// WithErrorHandler registers fn for user-visible errors.
func WithErrorHandler(fn func(error)) SessionOption {
	return func(s *Session) { s.onError = fn }
}

// internal events
type (
	timelineReady struct {
		manifest *Manifest
		timeline *Timeline
	}
	tick struct {
		gen int
		pos time.Duration
	}
)

func (timelineReady) isEvent() {}
func (tick) isEvent()          {}

// Session owns one playback: its model, loader, playhead and decoder. All
// transitions run on a single goroutine fed by a queue, so Post never blocks.
type Session struct {
	cfg       Config
	source    Source
	decoder   Decoder
	log       *slog.Logger
	observers []func(Model)
	onError   func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	qmu    sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	done   chan struct{}

	smu      sync.RWMutex
	snapshot Model

	// owned by the run goroutine
	model    Model
	manifest *Manifest
	loader   *ChunkLoader
	playhead *Playhead
	gen      int
}

// NewSession starts an idle session.
func NewSession(src Source, dec Decoder, cfg Config, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		source:  src,
		decoder: dec,
		ctx:     ctx,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		model:   NewModel(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.snapshot = s.model
	s.playhead = NewPlayhead(cfg.TickInterval, func(pos time.Duration) {
		s.Post(tick{gen: s.currentGen(), pos: pos})
	})
	go s.run()
	return s
}

// Post queues an event. It never blocks; events after Close are dropped.
func (s *Session) Post(ev Event) {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) Open(assetID string) {
	s.Post(Open{AssetID: assetID, Unsupported: s.decoder == nil || !s.decoder.Supported()})
}

func (s *Session) Play() { s.Post(Play{}) }

func (s *Session) Pause() { s.Post(Pause{}) }

func (s *Session) SetVolume(v float64) { s.Post(SetVolume{Volume: v}) }

func (s *Session) SetMuted(muted bool) { s.Post(SetMuted{Muted: muted}) }

func (s *Session) SetFullscreen(on bool) { s.Post(SetFullscreen{Fullscreen: on}) }

// Snapshot returns the model as of the last handled event.
func (s *Session) Snapshot() Model {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.snapshot
}

// Manifest returns the resolved manifest, or nil before resolution.
func (s *Session) Manifest() *Manifest {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.manifest
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) currentGen() int {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.gen
}

// Close tears the session down and waits for every goroutine it started.
func (s *Session) Close() error {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		<-s.done
		return nil
	}
	s.queue = append(s.queue, Close{})
	s.closed = true
	s.qmu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	<-s.done
	return nil
}

func (s *Session) drain() []Event {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	evs := s.queue
	s.queue = nil
	return evs
}

func (s *Session) run() {
	defer close(s.done)
	for range s.notify {
		for _, ev := range s.drain() {
			s.handle(ev)
			if _, ok := ev.(Close); ok {
				s.teardown()
				return
			}
		}
	}
}

func (s *Session) handle(ev Event) {
	switch e := ev.(type) {
	case timelineReady:
		s.smu.Lock()
		s.manifest = e.manifest
		s.smu.Unlock()
		s.loader = NewChunkLoader(s.model.AssetID, s.source, s.decoder, e.timeline, s.cfg.Loader, s.Post, s.log)
		ev = ManifestResolved{Duration: e.timeline.Duration}
	case tick:
		if e.gen != s.gen {
			return
		}
		ev = TimeUpdate{Position: e.pos}
	}

	prev := s.model
	next, effects := s.cfg.Policy.Transition(prev, ev)
	s.model = next

	if prev.State != next.State {
		s.log.Debug("playback state",
			slog.String("asset_id", next.AssetID),
			slog.String("from", prev.State.String()),
			slog.String("to", next.State.String()))
	}
	if s.loader != nil {
		s.loader.SetPosition(next.Playback.Position)
	}
	s.syncPlayhead(prev, next)

	for _, eff := range effects {
		s.apply(eff)
	}

	s.smu.Lock()
	s.snapshot = s.model
	s.smu.Unlock()
	for _, fn := range s.observers {
		fn(s.model)
	}
}

// syncPlayhead runs the playhead exactly while the state is Playing.
func (s *Session) syncPlayhead(prev, next Model) {
	switch {
	case next.State == StatePlaying && prev.State != StatePlaying:
		s.smu.Lock()
		s.gen++
		s.smu.Unlock()
		s.playhead.Start(next.Playback.Position)
	case prev.State == StatePlaying && next.State != StatePlaying:
		s.playhead.Stop()
		s.smu.Lock()
		s.gen++
		s.smu.Unlock()
	}
}

func (s *Session) apply(eff Effect) {
	switch e := eff.(type) {
	case ResolveManifest:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.resolve(e.AssetID)
		}()
	case StartLoad:
		if s.loader == nil {
			return
		}
		if e.Delay > 0 {
			s.log.Info("retrying chunk load",
				slog.String("asset_id", s.model.AssetID),
				slog.Int("chunk_index", s.loader.Next()),
				slog.Int("attempt", s.model.Recoveries),
				slog.Duration("delay", e.Delay))
		}
		s.loader.StartAfter(s.ctx, e.Delay)
	case StopLoad:
		if s.loader != nil {
			s.loader.Stop()
		}
	case RecoverDecoder:
		if err := s.decoder.Reset(); err != nil {
			s.Post(FaultOccurred{Fault: &Fault{Class: FaultFatal, Err: err}})
			return
		}
		s.log.Info("decoder reset",
			slog.String("asset_id", s.model.AssetID),
			slog.Duration("position", s.model.Playback.Position))
		if s.loader != nil {
			s.loader.Start(s.ctx)
		}
	case ReportError:
		s.log.Error("playback failed",
			slog.String("asset_id", s.model.AssetID),
			slog.String("error", e.Err.Error()))
		if s.onError != nil {
			s.onError(e.Err)
		}
	case Teardown:
		s.teardown()
	}
}

func (s *Session) resolve(assetID string) {
	m, err := s.source.Resolve(s.ctx, assetID)
	if err != nil {
		s.Post(ManifestFailed{Err: err})
		return
	}
	pl, err := s.source.Playlist(s.ctx, assetID)
	if err != nil {
		s.Post(ManifestFailed{Err: err})
		return
	}
	tl, err := NewTimeline(m, pl)
	if err != nil {
		s.Post(ManifestFailed{Err: err})
		return
	}
	s.log.Info("manifest resolved",
		slog.String("asset_id", assetID),
		slog.Int("chunks", len(m.Chunks)),
		slog.Duration("duration", tl.Duration))
	s.Post(timelineReady{manifest: m, timeline: tl})
}

// teardown stops every goroutine the session owns. It is idempotent.
func (s *Session) teardown() {
	s.playhead.Stop()
	if s.loader != nil {
		s.loader.Stop()
	}
	s.cancel()
	s.wg.Wait()
}
