package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrUnknownContainer is returned for a payload that is neither fragmented
// MP4 nor MPEG-TS.
var ErrUnknownContainer = errors.New("unknown container")

// Decoder is the media pipeline chunks are appended to.
type Decoder interface {
	// Supported reports whether this runtime can play at all.
	Supported() bool
	Append(seg Segment, payload []byte) error
	// Reset discards decoder state. Network state is untouched.
	Reset() error
}

// ContainerDecoder checks each chunk's container framing and forwards the
// payload to an optional writer. It is the headless player's decoder.
type ContainerDecoder struct {
	mu       sync.Mutex
	out      io.Writer
	appended int
	resets   int
}

// NewContainerDecoder writes accepted payloads to out, which may be nil.
func NewContainerDecoder(out io.Writer) *ContainerDecoder {
	return &ContainerDecoder{out: out}
}

func (d *ContainerDecoder) Supported() bool { return true }

func (d *ContainerDecoder) Append(seg Segment, payload []byte) error {
	if err := sniffContainer(payload); err != nil {
		return fmt.Errorf("chunk %d: %w", seg.Index, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.out != nil {
		if _, err := d.out.Write(payload); err != nil {
			return fmt.Errorf("chunk %d: %w", seg.Index, err)
		}
	}
	d.appended++
	return nil
}

func (d *ContainerDecoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

// Resets returns how many times the decoder was reset.
func (d *ContainerDecoder) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Appended returns how many chunks were accepted.
func (d *ContainerDecoder) Appended() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appended
}

var mp4Boxes = [][]byte{
	[]byte("ftyp"), []byte("styp"), []byte("moov"), []byte("moof"), []byte("sidx"), []byte("free"),
}

const tsSync = 0x47

// sniffContainer accepts a leading ISO BMFF box or an MPEG-TS sync byte.
func sniffContainer(b []byte) error {
	if len(b) >= 8 {
		typ := b[4:8]
		for _, box := range mp4Boxes {
			if bytes.Equal(typ, box) {
				return nil
			}
		}
	}
	if len(b) > 0 && b[0] == tsSync {
		return nil
	}
	return ErrUnknownContainer
}
