package publish

import (
	"fmt"
	"math"
	"strings"
)

// PlaylistEntry is one media segment of a VOD playlist.
type PlaylistEntry struct {
	Duration float64 // seconds
	URI      string
}

// BuildVODPlaylist converts entries (ordered by chunk index) into a complete
// HLS VOD playlist terminated by #EXT-X-ENDLIST. Each chunk is framed
// independently, so consecutive entries are separated by a discontinuity.
func BuildVODPlaylist(entries []PlaylistEntry) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(entries)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:1\n")

	for i, e := range entries {
		if i > 0 {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", e.Duration))
		b.WriteString(e.URI)
		b.WriteString("\n")
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// targetDuration returns the HLS #EXT-X-TARGETDURATION value: the ceiling of
// the maximum entry duration in seconds, at least 1.
func targetDuration(entries []PlaylistEntry) int {
	max := 0.0
	for _, e := range entries {
		if e.Duration > max {
			max = e.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
