package upload

import (
	"fmt"
)

// Reason classifies why an upload attempt failed.
type Reason string

const (
	ReasonSegmentationFailed  Reason = "SegmentationFailed"
	ReasonInitRejected        Reason = "InitRejected"
	ReasonChunkTransferFailed Reason = "ChunkTransferFailed"
	ReasonCompleteFailed      Reason = "CompleteFailed"
	ReasonLocalIO             Reason = "LocalIOFailed"
	ReasonCanceled            Reason = "Canceled"
	ReasonInvalidState        Reason = "InvalidState"
)

// Sentinels for errors.Is. A sentinel with ChunkIndex 0 matches any index.
var (
	ErrSegmentationFailed  = &Error{Reason: ReasonSegmentationFailed}
	ErrInitRejected        = &Error{Reason: ReasonInitRejected}
	ErrChunkTransferFailed = &Error{Reason: ReasonChunkTransferFailed}
	ErrCompleteFailed      = &Error{Reason: ReasonCompleteFailed}
	ErrLocalIO             = &Error{Reason: ReasonLocalIO}
	ErrCanceled            = &Error{Reason: ReasonCanceled}
	ErrInvalidState        = &Error{Reason: ReasonInvalidState}
)

// Error is the terminal failure of one upload attempt.
type Error struct {
	Reason Reason
	// ChunkIndex is the 1-based index of the chunk that failed, or 0.
	ChunkIndex int
	// UploadID is the server session, when one was created. It is the key a
	// resuming client would use.
	UploadID string
	Err      error
}

func (e *Error) Error() string {
	label := string(e.Reason)
	if e.ChunkIndex > 0 {
		label = fmt.Sprintf("%s(%d)", e.Reason, e.ChunkIndex)
	}
	if e.Err == nil {
		return "upload failed: " + label
	}
	return fmt.Sprintf("upload failed: %s: %v", label, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Reason, and on ChunkIndex when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != e.Reason {
		return false
	}
	return t.ChunkIndex == 0 || t.ChunkIndex == e.ChunkIndex
}

// ChunkTransferFailed returns a matcher for a failure at a specific index.
func ChunkTransferFailed(index int) *Error {
	return &Error{Reason: ReasonChunkTransferFailed, ChunkIndex: index}
}

// Message is the human-readable reason shown to the user.
func (e *Error) Message() string {
	switch e.Reason {
	case ReasonSegmentationFailed:
		return "The file could not be split into chunks. Check that it is a supported video."
	case ReasonInitRejected:
		return "The server refused to start the upload. Start again."
	case ReasonChunkTransferFailed:
		return fmt.Sprintf("Chunk %d could not be uploaded. The upload was stopped.", e.ChunkIndex)
	case ReasonCompleteFailed:
		return "All chunks were transferred but the server did not publish the file."
	case ReasonLocalIO:
		return "A local chunk could not be read."
	case ReasonCanceled:
		return "The upload was canceled."
	default:
		return e.Error()
	}
}
