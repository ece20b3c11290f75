package media

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"chunkcast/internal/digest"
)

// ErrReleased is returned when a chunk payload is read after Release.
var ErrReleased = errors.New("chunk payload released")

// Chunk is a contiguous, indexed byte range of a segmented asset.
// Index is 1-based and matches playback order.
type Chunk struct {
	Index    int
	Size     int64
	Duration time.Duration

	mu       sync.Mutex
	backing  backing
	digest   digest.Digest
	hashed   bool
	released bool
}

// Open returns a reader over the chunk payload.
func (c *Chunk) Open() (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, ErrReleased
	}
	return c.backing.open()
}

// Payload reads the whole chunk payload into memory.
func (c *Chunk) Payload() ([]byte, error) {
	rc, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := bytes.NewBuffer(make([]byte, 0, c.Size))
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the chunk digest, computing it on first use.
func (c *Chunk) Digest() (digest.Digest, error) {
	c.mu.Lock()
	if c.hashed {
		d := c.digest
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	rc, err := c.Open()
	if err != nil {
		return digest.Digest{}, err
	}
	defer rc.Close()
	d, _, err := digest.SumReader(rc)
	if err != nil {
		return digest.Digest{}, err
	}
	c.setDigest(d)
	return d, nil
}

func (c *Chunk) setDigest(d digest.Digest) {
	c.mu.Lock()
	c.digest = d
	c.hashed = true
	c.mu.Unlock()
}

// Released reports whether the payload has been released.
func (c *Chunk) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Release frees the chunk payload. The cached digest stays available.
// Releasing twice is a no-op.
func (c *Chunk) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	err := c.backing.release()
	c.backing = nil
	return err
}

type backing interface {
	open() (io.ReadCloser, error)
	release() error
}

type memBacking struct {
	data []byte
}

func (b *memBacking) open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *memBacking) release() error {
	b.data = nil
	return nil
}

// fileBacking is a chunk file owned by the segmenter; release removes it.
type fileBacking struct {
	path string
}

func (b *fileBacking) open() (io.ReadCloser, error) {
	return os.Open(b.path)
}

func (b *fileBacking) release() error {
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sectionBacking is a byte range of a file the segmenter does not own.
type sectionBacking struct {
	path   string
	offset int64
	length int64
}

func (b *sectionBacking) open() (io.ReadCloser, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, err
	}
	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, b.offset, b.length),
		f:             f,
	}, nil
}

func (b *sectionBacking) release() error {
	return nil
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s *sectionReadCloser) Close() error {
	return s.f.Close()
}

// NewMemoryChunk builds a chunk over an in-memory payload.
func NewMemoryChunk(index int, payload []byte, duration time.Duration) *Chunk {
	return &Chunk{
		Index:    index,
		Size:     int64(len(payload)),
		Duration: duration,
		backing:  &memBacking{data: payload},
	}
}

// NewFileChunk builds a chunk over a file that the chunk owns; Release deletes it.
func NewFileChunk(index int, path string, duration time.Duration) (*Chunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Chunk{
		Index:    index,
		Size:     info.Size(),
		Duration: duration,
		backing:  &fileBacking{path: path},
	}, nil
}
