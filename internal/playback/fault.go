package playback

import (
	"errors"
	"fmt"
)

var (
	// ErrPlaybackUnsupported means no decoder can play in this runtime.
	ErrPlaybackUnsupported = errors.New("playback unsupported")
	// ErrDigestMismatch means a fetched chunk does not match the manifest.
	ErrDigestMismatch = errors.New("chunk digest mismatch")
	// ErrRecoveryExhausted means faults kept recurring without progress.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
)

// FaultClass selects the recovery applied to a fault.
type FaultClass int

const (
	FaultTransport FaultClass = iota + 1
	FaultDecode
	FaultFatal
)

func (c FaultClass) String() string {
	switch c {
	case FaultTransport:
		return "PlaybackTransportFault"
	case FaultDecode:
		return "PlaybackDecodeFault"
	case FaultFatal:
		return "PlaybackFatalFault"
	default:
		return "UnknownFault"
	}
}

// Fault is raised by the loader or the decoder during playback.
type Fault struct {
	Class FaultClass
	// Index is the chunk involved, or 0.
	Index int
	Err   error
}

// Sentinels matching any fault of a class with errors.Is.
var (
	ErrTransportFault = &Fault{Class: FaultTransport}
	ErrDecodeFault    = &Fault{Class: FaultDecode}
	ErrFatalFault     = &Fault{Class: FaultFatal}
)

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Class.String()
	}
	if f.Index > 0 {
		return fmt.Sprintf("%s at chunk %d: %v", f.Class, f.Index, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Class == f.Class
}
