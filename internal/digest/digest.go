// Package digest computes the SHA-256 fingerprints used for chunk and whole-file
// integrity checks. Digests travel on the wire as lowercase hex strings.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Size is the length of a Digest in bytes.
const Size = sha256.Size

// ErrInvalid is returned by Parse when the input is not a 64 character hex string.
var ErrInvalid = errors.New("invalid digest")

// Digest is a SHA-256 fingerprint.
type Digest [Size]byte

// Sum returns the digest of b.
func Sum(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// SumReader returns the digest of everything read from r.
func SumReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, err
	}
	return fromHash(h), n, nil
}

// Parse decodes a hex encoded digest. Upper and lower case are both accepted.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(Size) {
		return d, fmt.Errorf("%w: length %d", ErrInvalid, len(s))
	}
	if _, err := hex.Decode(d[:], []byte(strings.ToLower(s))); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return d, nil
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Equal reports whether d matches the hex encoded digest s.
func (d Digest) Equal(s string) bool {
	other, err := Parse(s)
	if err != nil {
		return false
	}
	return d == other
}

// Running accumulates a digest over a sequence of parts written in order.
// The whole-file digest is a Running over the chunk payloads in index order.
type Running struct {
	h hash.Hash
	n int64
}

// NewRunning returns an empty running digest.
func NewRunning() *Running {
	return &Running{h: sha256.New()}
}

// Write implements io.Writer.
func (r *Running) Write(p []byte) (int, error) {
	n, err := r.h.Write(p)
	r.n += int64(n)
	return n, err
}

// Len returns the number of bytes written so far.
func (r *Running) Len() int64 {
	return r.n
}

// Sum returns the digest of all bytes written so far without resetting.
func (r *Running) Sum() Digest {
	return fromHash(r.h)
}

// Concat returns the digest of the parts concatenated in order.
func Concat(parts ...[]byte) Digest {
	r := NewRunning()
	for _, p := range parts {
		r.Write(p)
	}
	return r.Sum()
}

func fromHash(h hash.Hash) Digest {
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
