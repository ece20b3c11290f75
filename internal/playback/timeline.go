package playback

import (
	"fmt"
	"time"

	"chunkcast/internal/digest"
)

// Segment is one chunk placed on the playback timeline.
type Segment struct {
	Index    int
	Start    time.Duration
	Duration time.Duration
	Digest   digest.Digest
}

// End is the timeline position just past the segment.
func (s Segment) End() time.Duration { return s.Start + s.Duration }

// Timeline joins the manifest (what to verify) with the playlist (how long
// each chunk plays).
type Timeline struct {
	Segments []Segment
	Duration time.Duration
}

// NewTimeline requires one playlist entry per manifest chunk.
func NewTimeline(m *Manifest, pl *Playlist) (*Timeline, error) {
	if len(pl.Entries) != len(m.Chunks) {
		return nil, &ManifestError{
			Kind:    ManifestInvalid,
			AssetID: m.FileID,
			Err:     fmt.Errorf("playlist has %d entries, manifest has %d chunks", len(pl.Entries), len(m.Chunks)),
		}
	}
	tl := &Timeline{Segments: make([]Segment, 0, len(m.Chunks))}
	var at time.Duration
	for i, c := range m.Chunks {
		d, ok := m.ChunkDigest(c.Index)
		if !ok {
			return nil, &ManifestError{Kind: ManifestInvalid, AssetID: m.FileID, Err: fmt.Errorf("chunk %d digest", c.Index)}
		}
		dur := pl.Entries[i].Duration
		tl.Segments = append(tl.Segments, Segment{Index: c.Index, Start: at, Duration: dur, Digest: d})
		at += dur
	}
	tl.Duration = at
	return tl, nil
}

// Segment returns the segment with the given 1-based index.
func (t *Timeline) Segment(index int) (Segment, bool) {
	if index < 1 || index > len(t.Segments) {
		return Segment{}, false
	}
	return t.Segments[index-1], true
}
