package upload

import (
	"context"
	"time"

	"chunkcast/internal/media"
)

// Publish segments src and uploads the result with c. Segmentation errors
// end the attempt as SegmentationFailed before any network call. Working
// files are removed before Publish returns.
func Publish(ctx context.Context, seg media.Segmenter, src *media.SourceAsset, target time.Duration, thumbnail []byte, c *Coordinator) Outcome {
	if !c.claim() {
		return alreadyUsed()
	}

	segmentation, err := seg.Segment(ctx, src, target)
	if err != nil {
		return c.fail(ctx, &Error{Reason: ReasonSegmentationFailed, Err: err})
	}
	defer segmentation.Close()

	return c.run(ctx, Request{
		Filename:    src.Name,
		Description: src.Description,
		Thumbnail:   thumbnail,
		Chunks:      segmentation.Chunks,
	})
}
