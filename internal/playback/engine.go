// Package playback resolves published assets and plays them back through a
// state machine that recovers from network and decode faults without touching
// the user-visible position or volume.
//
// The machine itself is the pure function Policy.Transition. Session runs it
// on an event queue and carries out the returned effects.
package playback

import (
	"time"
)

// State is the engine state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateBuffering
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	case StateBuffering:
		return "Buffering"
	case StateErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// PlaybackState is what the viewer sees. Recovery reads it but never writes it.
type PlaybackState struct {
	Position   time.Duration
	Buffered   time.Duration
	Volume     float64
	Muted      bool
	Fullscreen bool
	Playing    bool
}

// Model is the full engine state threaded through Transition.
type Model struct {
	State    State
	AssetID  string
	Duration time.Duration
	Playback PlaybackState
	// Loading is set while the chunk loader has been asked to run.
	Loading bool
	// Recoveries counts recoveries since the last forward progress.
	Recoveries int
	Ended      bool
	Err        error
}

// NewModel returns an Idle model at full volume.
func NewModel() Model {
	return Model{State: StateIdle, Playback: PlaybackState{Volume: 1}}
}

// Ahead is the buffered time in front of the playback position.
func (m Model) Ahead() time.Duration {
	if m.Playback.Buffered <= m.Playback.Position {
		return 0
	}
	return m.Playback.Buffered - m.Playback.Position
}

func (m Model) fullyBuffered() bool {
	return m.Duration > 0 && m.Playback.Buffered >= m.Duration
}

// Event is an input to Transition.
type Event interface{ isEvent() }

type (
	// Open starts resolving an asset. Unsupported reports that no decoder
	// can play in this runtime.
	Open struct {
		AssetID     string
		Unsupported bool
	}
	ManifestResolved struct{ Duration time.Duration }
	ManifestFailed   struct{ Err error }
	Play             struct{}
	Pause            struct{}
	SetVolume        struct{ Volume float64 }
	SetMuted         struct{ Muted bool }
	SetFullscreen    struct{ Fullscreen bool }
	// TimeUpdate reports the playhead position.
	TimeUpdate struct{ Position time.Duration }
	// BufferAdvanced reports the new read-ahead watermark.
	BufferAdvanced struct{ Watermark time.Duration }
	FaultOccurred  struct{ Fault *Fault }
	Close          struct{}
)

func (Open) isEvent()             {}
func (ManifestResolved) isEvent() {}
func (ManifestFailed) isEvent()   {}
func (Play) isEvent()             {}
func (Pause) isEvent()            {}
func (SetVolume) isEvent()        {}
func (SetMuted) isEvent()         {}
func (SetFullscreen) isEvent()    {}
func (TimeUpdate) isEvent()       {}
func (BufferAdvanced) isEvent()   {}
func (FaultOccurred) isEvent()    {}
func (Close) isEvent()            {}

// Effect is work Transition asks the runtime to perform.
type Effect interface{ isEffect() }

type (
	ResolveManifest struct{ AssetID string }
	// StartLoad starts or resumes the chunk loader from where it stopped,
	// after waiting Delay.
	StartLoad      struct{ Delay time.Duration }
	StopLoad       struct{}
	RecoverDecoder struct{}
	ReportError    struct{ Err error }
	Teardown       struct{}
)

func (ResolveManifest) isEffect() {}
func (StartLoad) isEffect()       {}
func (StopLoad) isEffect()        {}
func (RecoverDecoder) isEffect()  {}
func (ReportError) isEffect()     {}
func (Teardown) isEffect()        {}

// Policy holds the thresholds Transition works with.
type Policy struct {
	// ResumeMargin is how far the watermark must lead the position before
	// Buffering returns to Playing.
	ResumeMargin time.Duration
	// MaxRecoveries bounds consecutive recoveries without forward progress.
	MaxRecoveries int
	// RetryDelay is the wait before the first transport retry. Each further
	// retry without progress doubles it, up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultPolicy returns the thresholds used by the player. A fetch that keeps
// failing is retried after 0.5s, 1s, 2s, 4s and 8s before playback gives up.
func DefaultPolicy() Policy {
	return Policy{
		ResumeMargin:  2 * time.Second,
		MaxRecoveries: 5,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 8 * time.Second,
	}
}

// retryDelay is the backoff before the n-th consecutive transport retry.
func (p Policy) retryDelay(n int) time.Duration {
	d := p.RetryDelay
	for i := 1; i < n && d > 0; i++ {
		d *= 2
		if p.MaxRetryDelay > 0 && d >= p.MaxRetryDelay {
			return p.MaxRetryDelay
		}
	}
	if p.MaxRetryDelay > 0 && d > p.MaxRetryDelay {
		return p.MaxRetryDelay
	}
	return d
}

// Transition is the engine. It is pure: the same model and event always give
// the same result.
func (p Policy) Transition(m Model, ev Event) (Model, []Effect) {
	if m.State == StateErrored {
		switch ev.(type) {
		case SetVolume, SetMuted, SetFullscreen, Close:
		default:
			return m, nil
		}
	}

	switch e := ev.(type) {
	case Open:
		if m.State != StateIdle {
			return m, nil
		}
		m.AssetID = e.AssetID
		m.Err = nil
		if e.Unsupported {
			return p.fail(m, ErrPlaybackUnsupported)
		}
		m.State = StateLoading
		return m, []Effect{ResolveManifest{AssetID: e.AssetID}}

	case ManifestResolved:
		if m.State != StateLoading {
			return m, nil
		}
		m.Duration = e.Duration
		m.State = StateReady
		if m.Playback.Playing {
			return p.play(m)
		}
		return m, nil

	case ManifestFailed:
		if m.State != StateLoading {
			return m, nil
		}
		return p.fail(m, e.Err)

	case Play:
		switch m.State {
		case StateLoading:
			m.Playback.Playing = true
		case StateReady, StatePaused:
			return p.play(m)
		}
		return m, nil

	case Pause:
		switch m.State {
		case StateLoading:
			m.Playback.Playing = false
		case StatePlaying, StateBuffering:
			m.State = StatePaused
			m.Playback.Playing = false
		}
		return m, nil

	case SetVolume:
		m.Playback.Volume = clampVolume(e.Volume)
		return m, nil

	case SetMuted:
		m.Playback.Muted = e.Muted
		return m, nil

	case SetFullscreen:
		m.Playback.Fullscreen = e.Fullscreen
		return m, nil

	case TimeUpdate:
		return p.timeUpdate(m, e.Position)

	case BufferAdvanced:
		if e.Watermark <= m.Playback.Buffered {
			return m, nil
		}
		m.Playback.Buffered = e.Watermark
		m.Recoveries = 0
		if m.State == StateBuffering && p.canResume(m) {
			m.State = StatePlaying
		}
		return m, nil

	case FaultOccurred:
		return p.recover(m, e.Fault)

	case Close:
		if m.State == StateIdle && m.AssetID == "" {
			return m, nil
		}
		m.State = StateIdle
		m.Loading = false
		m.Playback.Playing = false
		return m, []Effect{Teardown{}}
	}
	return m, nil
}

func (p Policy) play(m Model) (Model, []Effect) {
	m.State = StatePlaying
	m.Playback.Playing = true
	if m.Ended {
		m.Ended = false
		m.Playback.Position = 0
	}
	if m.Loading {
		return m, nil
	}
	m.Loading = true
	return m, []Effect{StartLoad{}}
}

func (p Policy) timeUpdate(m Model, pos time.Duration) (Model, []Effect) {
	if m.State != StatePlaying {
		return m, nil
	}
	if pos > m.Playback.Position {
		m.Recoveries = 0
	}
	if m.fullyBuffered() && pos >= m.Duration {
		m.Playback.Position = m.Duration
		m.State = StatePaused
		m.Playback.Playing = false
		m.Ended = true
		if m.Loading {
			m.Loading = false
			return m, []Effect{StopLoad{}}
		}
		return m, nil
	}
	if pos >= m.Playback.Buffered {
		m.Playback.Position = m.Playback.Buffered
		m.State = StateBuffering
		return m, nil
	}
	m.Playback.Position = pos
	return m, nil
}

func (p Policy) canResume(m Model) bool {
	return m.fullyBuffered() || m.Ahead() >= p.ResumeMargin
}

// recover applies the fault policy: transport faults resume the load in
// place after a backoff, decode faults reset only the decoder, anything else
// is fatal.
func (p Policy) recover(m Model, f *Fault) (Model, []Effect) {
	if f == nil || m.State == StateIdle {
		return m, nil
	}
	switch f.Class {
	case FaultTransport:
		if m.Recoveries >= p.MaxRecoveries {
			return p.fail(m, &Fault{Class: FaultFatal, Index: f.Index, Err: ErrRecoveryExhausted})
		}
		m.Recoveries++
		m.Loading = true
		return m, []Effect{StartLoad{Delay: p.retryDelay(m.Recoveries)}}
	case FaultDecode:
		if m.Recoveries >= p.MaxRecoveries {
			return p.fail(m, &Fault{Class: FaultFatal, Index: f.Index, Err: ErrRecoveryExhausted})
		}
		m.Recoveries++
		return m, []Effect{RecoverDecoder{}}
	default:
		return p.fail(m, f)
	}
}

func (p Policy) fail(m Model, err error) (Model, []Effect) {
	m.State = StateErrored
	m.Err = err
	m.Playback.Playing = false
	var effects []Effect
	if m.Loading {
		m.Loading = false
		effects = append(effects, StopLoad{})
	}
	return m, append(effects, ReportError{Err: err})
}

func clampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
