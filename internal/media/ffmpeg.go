package media

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	chunkPattern    = "chunk%03d.mp4"
	segmentListName = "segments.csv"
	fragmentFlags   = "movflags=+frag_keyframe+empty_moov+default_base_moof"
)

// FFmpegSegmenter stream-copies the source into fragmented MP4 segments, each
// carrying its own headers so it can be decoded on its own.
type FFmpegSegmenter struct {
	// FFmpegPath defaults to "ffmpeg" on PATH.
	FFmpegPath string
	// WorkDir is the parent of the per-run working directory. Empty means os.TempDir.
	WorkDir string
	Logger  *slog.Logger
}

// Segment implements Segmenter.
func (s *FFmpegSegmenter) Segment(ctx context.Context, src *SourceAsset, target time.Duration) (*Segmentation, error) {
	if target <= 0 {
		target = DefaultSegmentDuration
	}
	log := s.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	bin := s.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}

	workDir, err := os.MkdirTemp(s.WorkDir, "segment-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	seg := &Segmentation{workDir: workDir}
	fail := func(err error) (*Segmentation, error) {
		seg.Close()
		return nil, err
	}

	input, cleanup, err := src.materialize(workDir)
	if err != nil {
		return fail(fmt.Errorf("stage source: %w", err))
	}
	defer cleanup()

	listPath := filepath.Join(workDir, segmentListName)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", input,
		"-c", "copy",
		"-map", "0",
		"-f", "segment",
		"-segment_time", strconv.FormatFloat(target.Seconds(), 'f', -1, 64),
		"-reset_timestamps", "1",
		"-segment_format", "mp4",
		"-segment_format_options", fragmentFlags,
		"-segment_list", listPath,
		"-segment_list_type", "csv",
		filepath.Join(workDir, chunkPattern),
	}

	log.Info("segmenting source",
		slog.String("name", src.Name),
		slog.Int64("size", src.Size),
		slog.Float64("segment_seconds", target.Seconds()))

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(fmt.Errorf("%w: ffmpeg: %v: %s", ErrSegmentationFailed, err, strings.TrimSpace(tail(stderr.String(), 512))))
	}

	entries, err := readSegmentList(listPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(fmt.Errorf("%w: %v", ErrSegmentationFailed, err))
	}

	names, err := chunkFiles(workDir)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrSegmentationFailed, err))
	}
	for i, name := range names {
		dur := entries[filepath.Base(name)]
		c, err := NewFileChunk(i+1, name, dur)
		if err != nil {
			return fail(err)
		}
		seg.Chunks = append(seg.Chunks, c)
	}
	if len(seg.Chunks) == 0 {
		return fail(ErrNoChunks)
	}

	log.Info("segmentation finished",
		slog.String("name", src.Name),
		slog.Int("chunks", len(seg.Chunks)),
		slog.Int64("bytes", seg.TotalSize()))
	return seg, nil
}

// chunkFiles lists the segments ffmpeg wrote, in segment number order. The
// number is zero-padded to three digits only, so name order breaks past 999.
func chunkFiles(dir string) ([]string, error) {
	names, err := filepath.Glob(filepath.Join(dir, "chunk*.mp4"))
	if err != nil {
		return nil, err
	}
	nums := make(map[string]int, len(names))
	for _, name := range names {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(name), "chunk"), ".mp4"))
		if err != nil {
			return nil, fmt.Errorf("unexpected segment file %q", filepath.Base(name))
		}
		nums[name] = n
	}
	sort.Slice(names, func(i, j int) bool { return nums[names[i]] < nums[names[j]] })
	return names, nil
}

// readSegmentList parses ffmpeg's csv segment list: filename,start,end.
func readSegmentList(path string) (map[string]time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseSegmentList(f)
}

func parseSegmentList(r io.Reader) (map[string]time.Duration, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	out := make(map[string]time.Duration)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("segment list: %w", err)
		}
		start, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("segment list start %q: %w", rec[1], err)
		}
		end, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("segment list end %q: %w", rec[2], err)
		}
		out[filepath.Base(rec[0])] = time.Duration((end - start) * float64(time.Second))
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
