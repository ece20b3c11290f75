package upload

import "math"

// State is the coordinator's position in the init -> chunk* -> complete protocol.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateUploading
	StateCompleting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInitializing:
		return "Initializing"
	case StateUploading:
		return "Uploading"
	case StateCompleting:
		return "Completing"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress is reported after every chunk acknowledgement and once more when
// the upload is published.
type Progress struct {
	Acknowledged int
	Total        int
	// Published is set only after complete succeeded.
	Published bool
}

// almostDone is the largest fraction below 1.
var almostDone = math.Nextafter(1, 0)

// Fraction returns Acknowledged/Total. It reaches 1.0 only once Published is
// set, so a fully transferred but unpublished upload never reads as done.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	if p.Published {
		return 1
	}
	f := float64(p.Acknowledged) / float64(p.Total)
	if f >= 1 {
		return almostDone
	}
	return f
}

// Outcome is the terminal result of one upload attempt.
type Outcome struct {
	State    State
	UploadID string
	FileID   string
	Err      *Error
}

// Completed reports whether the asset was published.
func (o Outcome) Completed() bool {
	return o.State == StateCompleted
}

// Error returns the failure as an error, or nil when completed.
func (o Outcome) Error() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}
