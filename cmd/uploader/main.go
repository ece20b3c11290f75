// Command uploader splits one media file into chunks and publishes it to a
// chunkcast server. On success it prints the file id on stdout.
//
//	uploader [flags] <file>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunkcast/internal/media"
	"chunkcast/internal/platform/config"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/upload"
)

func main() {
	_ = config.Load()

	server := flag.String("server", config.GetEnv("SERVER_URL", "http://localhost:8080"), "publish server base URL")
	segment := flag.Duration("segment", config.GetEnvDuration("SEGMENT_SECONDS", media.DefaultSegmentDuration), "target chunk duration")
	duration := flag.Duration("duration", 0, "source duration; when set, cut MPEG-TS at packet boundaries instead of running ffmpeg")
	name := flag.String("name", "", "filename declared to the server (default: base name of the file)")
	description := flag.String("description", "", "free-text description (default: container tags)")
	thumbnail := flag.String("thumbnail", "", "path to a thumbnail image sent with init")
	ffmpeg := flag.String("ffmpeg", config.GetEnv("FFMPEG_PATH", "ffmpeg"), "ffmpeg binary")
	timeout := flag.Duration("timeout", config.GetEnvDuration("REQUEST_TIMEOUT", 2*time.Minute), "per-request timeout")
	logLevel := flag.String("log-level", config.GetEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.NewWriter(os.Stderr, *logLevel, config.GetEnv("LOG_FORMAT", "text"))

	src, err := media.NewFileSource(flag.Arg(0))
	if err != nil {
		log.Error("open source", "error", err)
		os.Exit(1)
	}
	if *name != "" {
		src.Name = *name
	}
	src.Description = *description
	media.Describe(src)
	src.Duration = *duration

	var thumb []byte
	if *thumbnail != "" {
		if thumb, err = os.ReadFile(*thumbnail); err != nil {
			log.Error("read thumbnail", "error", err)
			os.Exit(1)
		}
	}

	var seg media.Segmenter = &media.FFmpegSegmenter{FFmpegPath: *ffmpeg, Logger: log}
	if *duration > 0 {
		seg = media.PacketSegmenter{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := upload.NewCoordinator(
		upload.NewHTTPTransport(*server, nil, *timeout),
		upload.WithLogger(log),
		upload.WithProgress(func(p upload.Progress) {
			log.Info("progress",
				slog.Int("acknowledged", p.Acknowledged),
				slog.Int("total", p.Total),
				slog.String("percent", fmt.Sprintf("%.1f", p.Fraction()*100)))
		}),
	)

	start := time.Now()
	out := upload.Publish(ctx, seg, src, *segment, thumb, c)
	if !out.Completed() {
		attrs := []any{slog.String("reason", string(out.Err.Reason)), slog.String("error", out.Err.Error())}
		if out.Err.UploadID != "" {
			attrs = append(attrs, slog.String("upload_id", out.Err.UploadID))
		}
		log.Error(out.Err.Message(), attrs...)
		os.Exit(1)
	}

	log.Info("published",
		slog.String("file_id", out.FileID),
		slog.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
	fmt.Println(out.FileID)
}
