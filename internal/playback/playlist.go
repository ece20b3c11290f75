package playback

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxSeconds is the longest EXTINF a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// ErrInvalidPlaylist is returned for a playlist that cannot be parsed.
var ErrInvalidPlaylist = errors.New("invalid playlist")

// PlaylistEntry is one media segment of a playlist.
type PlaylistEntry struct {
	Duration time.Duration
	URI      string
}

// Playlist is a parsed media playlist.
type Playlist struct {
	TargetDuration time.Duration
	Entries        []PlaylistEntry
	Ended          bool
}

// Total is the sum of entry durations.
func (p *Playlist) Total() time.Duration {
	var d time.Duration
	for _, e := range p.Entries {
		d += e.Duration
	}
	return d
}

// ParsePlaylist reads a media playlist. Only the tags needed to build a
// timeline are interpreted; the rest are skipped.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	sc := bufio.NewScanner(r)
	pl := &Playlist{}
	first := true
	var pending *time.Duration

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("%w: missing #EXTM3U header", ErrInvalidPlaylist)
			}
			first = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil || !(secs >= 0 && secs <= maxSeconds) {
				return nil, fmt.Errorf("%w: bad EXTINF %q", ErrInvalidPlaylist, line)
			}
			d := time.Duration(secs * float64(time.Second))
			pending = &d
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			secs, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("%w: bad target duration %q", ErrInvalidPlaylist, line)
			}
			pl.TargetDuration = time.Duration(secs) * time.Second
		case line == "#EXT-X-ENDLIST":
			pl.Ended = true
		case strings.HasPrefix(line, "#"):
		default:
			if pending == nil {
				return nil, fmt.Errorf("%w: segment %q without EXTINF", ErrInvalidPlaylist, line)
			}
			pl.Entries = append(pl.Entries, PlaylistEntry{Duration: *pending, URI: line})
			pending = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPlaylist)
	}
	return pl, nil
}
