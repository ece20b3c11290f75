// Command player plays a published file headlessly: it resolves the manifest,
// streams verified chunks through the playback engine in real time and,
// optionally, writes the decoded stream to a file.
//
//	player [flags] <file id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunkcast/internal/digest"
	"chunkcast/internal/platform/config"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/playback"
)

func main() {
	_ = config.Load()

	cfg := playback.DefaultConfig()
	server := flag.String("server", config.GetEnv("SERVER_URL", "http://localhost:8080"), "publish server base URL")
	out := flag.String("out", "", "write the played stream to this file")
	volume := flag.Float64("volume", 1, "initial volume in [0,1]")
	muted := flag.Bool("muted", false, "start muted")
	timeout := flag.Duration("timeout", config.GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second), "per-request timeout")
	logLevel := flag.String("log-level", config.GetEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.DurationVar(&cfg.Loader.MaxBufferAhead, "buffer", config.GetEnvDuration("MAX_BUFFER_SECONDS", cfg.Loader.MaxBufferAhead), "read-ahead target")
	flag.DurationVar(&cfg.Loader.MaxMaxBufferAhead, "max-buffer", config.GetEnvDuration("MAX_MAX_BUFFER_SECONDS", cfg.Loader.MaxMaxBufferAhead), "read-ahead ceiling for long chunks")
	flag.IntVar(&cfg.Loader.BytesPerSecond, "rate", config.GetEnvInt("READ_AHEAD_BYTES_PER_SEC", 0), "download throttle in bytes per second, 0 for unlimited")
	flag.DurationVar(&cfg.Policy.ResumeMargin, "resume-margin", config.GetEnvDuration("RESUME_MARGIN_SECONDS", cfg.Policy.ResumeMargin), "buffer needed to leave buffering")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <file id>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	assetID := flag.Arg(0)

	log := logger.NewWriter(os.Stderr, *logLevel, config.GetEnv("LOG_FORMAT", "text"))

	running := digest.NewRunning()
	var sink io.Writer = running
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Error("create output", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		sink = io.MultiWriter(f, running)
	}

	m, err := play(assetID, *server, *timeout, cfg, *volume, *muted, sink, log)
	if err != nil {
		log.Error("playback failed", "asset_id", assetID, "error", err)
		os.Exit(1)
	}
	if !running.Sum().Equal(m.FileHash) {
		log.Error("played stream does not match the published file",
			slog.String("want", m.FileHash),
			slog.String("got", running.Sum().String()))
		os.Exit(1)
	}
	log.Info("playback finished",
		slog.String("asset_id", assetID),
		slog.Int64("bytes", running.Len()),
		slog.String("sha256", running.Sum().String()))
}

func play(assetID, server string, timeout time.Duration, cfg playback.Config, volume float64, muted bool, sink io.Writer, log *slog.Logger) (*playback.Manifest, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan error, 1)
	var last playback.State
	observe := func(m playback.Model) {
		if m.State != last {
			log.Info("state",
				slog.String("state", m.State.String()),
				slog.Duration("position", m.Playback.Position),
				slog.Duration("buffered", m.Playback.Buffered))
			last = m.State
		}
		switch {
		case m.State == playback.StateErrored:
			report(finished, m.Err)
		case m.Ended:
			report(finished, nil)
		}
	}

	source := playback.NewHTTPSource(server, nil, timeout)
	s := playback.NewSession(source, playback.NewContainerDecoder(sink), cfg,
		playback.WithLogger(log),
		playback.WithObserver(observe))
	defer s.Close()

	s.SetVolume(volume)
	s.SetMuted(muted)
	s.Open(assetID)
	s.Play()

	select {
	case err := <-finished:
		if err != nil {
			return nil, err
		}
		return s.Manifest(), nil
	case <-ctx.Done():
		return nil, errors.New("interrupted")
	}
}

func report(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}
