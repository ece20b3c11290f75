// Package media splits source assets into independently decodable chunks and
// computes their integrity digests.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"chunkcast/internal/digest"
)

// DefaultSegmentDuration is the target duration of each chunk.
const DefaultSegmentDuration = 60 * time.Second

// TSPacketSize is the MPEG-TS packet length.
const TSPacketSize = 188

var (
	// ErrSegmentationFailed is the terminal error for any segmentation failure.
	ErrSegmentationFailed = errors.New("segmentation failed")

	// ErrNoChunks is returned when segmentation produced nothing to upload.
	ErrNoChunks = fmt.Errorf("%w: no chunks produced", ErrSegmentationFailed)
)

// Segmenter splits a source into chunks of roughly the target duration.
// Chunks are returned in strictly increasing index order starting at 1.
type Segmenter interface {
	Segment(ctx context.Context, src *SourceAsset, target time.Duration) (*Segmentation, error)
}

// Segmentation owns the chunks produced for one source and any working files
// behind them.
type Segmentation struct {
	Chunks []*Chunk

	workDir string
}

// TotalSize returns the sum of all chunk sizes.
func (s *Segmentation) TotalSize() int64 {
	var n int64
	for _, c := range s.Chunks {
		n += c.Size
	}
	return n
}

// Close releases every chunk and removes the working directory.
func (s *Segmentation) Close() error {
	var errs []error
	for _, c := range s.Chunks {
		if err := c.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.workDir != "" {
		if err := os.RemoveAll(s.workDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HashChunks computes the whole-file digest over the chunk payloads in index
// order and caches each chunk's own digest on the way. Payloads are streamed,
// so only one read buffer is live at a time.
func HashChunks(chunks []*Chunk) (digest.Digest, int64, error) {
	whole := digest.NewRunning()
	for i, c := range chunks {
		if c.Index != i+1 {
			return digest.Digest{}, 0, fmt.Errorf("chunk at position %d has index %d", i+1, c.Index)
		}
		rc, err := c.Open()
		if err != nil {
			return digest.Digest{}, 0, fmt.Errorf("open chunk %d: %w", c.Index, err)
		}
		part := digest.NewRunning()
		_, err = io.Copy(io.MultiWriter(whole, part), rc)
		rc.Close()
		if err != nil {
			return digest.Digest{}, 0, fmt.Errorf("read chunk %d: %w", c.Index, err)
		}
		c.setDigest(part.Sum())
	}
	return whole.Sum(), whole.Len(), nil
}

// PacketSegmenter cuts constant-bitrate sources at packet boundaries in
// proportion to time. It never re-encodes and needs the source duration.
type PacketSegmenter struct {
	// PacketSize aligns cut points. Zero means TSPacketSize.
	PacketSize int64
}

// Segment implements Segmenter.
func (p PacketSegmenter) Segment(ctx context.Context, src *SourceAsset, target time.Duration) (*Segmentation, error) {
	if target <= 0 {
		target = DefaultSegmentDuration
	}
	if src.Size <= 0 || src.Duration <= 0 {
		return nil, ErrNoChunks
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	packet := p.PacketSize
	if packet <= 0 {
		packet = TSPacketSize
	}

	n := int((src.Duration + target - 1) / target)
	bounds := make([]int64, 0, n+1)
	bounds = append(bounds, 0)
	for i := 1; i < n; i++ {
		raw := int64(float64(src.Size) * float64(time.Duration(i)*target) / float64(src.Duration))
		cut := raw - raw%packet
		if cut <= bounds[len(bounds)-1] {
			cut = raw
		}
		bounds = append(bounds, cut)
	}
	bounds = append(bounds, src.Size)

	seg := &Segmentation{}
	var carried time.Duration
	for i := 0; i < n; i++ {
		start, end := bounds[i], bounds[i+1]
		dur := target
		if i == n-1 {
			dur = src.Duration - time.Duration(n-1)*target
		}
		if end <= start {
			// Too little data for this slot; fold its time into the next chunk.
			carried += dur
			continue
		}
		c := &Chunk{
			Index:    len(seg.Chunks) + 1,
			Size:     end - start,
			Duration: dur + carried,
		}
		carried = 0
		if src.path != "" {
			c.backing = &sectionBacking{path: src.path, offset: start, length: end - start}
		} else {
			c.backing = &memBacking{data: src.data[start:end]}
		}
		seg.Chunks = append(seg.Chunks, c)
	}
	if len(seg.Chunks) == 0 {
		return nil, ErrNoChunks
	}
	return seg, nil
}
