// Command meshcast runs a self-contained loopback demo: a synthetic
// publisher and a subscriber talk through an in-process relay over a real
// QUIC connection, exercising the full packet, channel, gating, pacing, and
// jitter-buffer path end to end.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcast/meshcast/certs"
	"github.com/meshcast/meshcast/codec"
	"github.com/meshcast/meshcast/jitter"
	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/publish"
	"github.com/meshcast/meshcast/subscribe"
	"github.com/meshcast/meshcast/telemetry"
	"github.com/meshcast/meshcast/transport"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	addr := envOr("ADDR", "127.0.0.1:4443")
	runFor := envDurationOr("RUN_FOR", 10*time.Second)

	ln, err := transport.Listen(addr, cert.TLSCert)
	if err != nil {
		slog.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	slog.Info("meshcast demo starting", "version", version, "addr", ln.Addr(), "run_for", runFor)

	ctx, timeout := context.WithTimeout(ctx, runFor)
	defer timeout()

	g, ctx := errgroup.WithContext(ctx)

	r := newRelay(slog.Default())
	g.Go(func() error {
		return ignoreCancel(ctx, r.serve(ctx, ln))
	})

	pubConn, err := transport.Dial(ctx, addr, cert.ClientConfig())
	if err != nil {
		slog.Error("publisher dial failed", "error", err)
		os.Exit(1)
	}
	pub := publish.New(pubConn, publish.Config{
		StreamID:   "demo",
		StreamType: "camera",
		Factories:  syntheticFactories(),
		OnStatus: func(st publish.Status) {
			slog.Warn("publisher status", "channel", st.Channel, "action", st.Action, "error", st.Err)
		},
	})
	g.Go(func() error {
		video := newSyntheticVideoSource(ctx, 30)
		audio := newSyntheticAudioSource(ctx)
		return ignoreCancel(ctx, pub.Run(ctx, video, audio))
	})

	subConn, err := transport.Dial(ctx, addr, cert.ClientConfig())
	if err != nil {
		slog.Error("subscriber dial failed", "error", err)
		os.Exit(1)
	}

	health := make(chan telemetry.BufferHealth, 8)
	buf := jitter.New(jitter.Config{Channels: 2, SampleRate: 48000, Health: health})

	var videoFrames atomic.Int64
	sub := subscribe.New(subConn, subscribe.Config{
		StreamID:  "demo",
		Factories: syntheticFactories(),
		VideoSink: func(codec.DecodedVideo) {
			videoFrames.Add(1)
		},
		AudioBuffer: buf,
		OnStatus: func(st subscribe.Status) {
			slog.Warn("subscriber status", "channel", st.Channel, "action", st.Action, "error", st.Err)
		},
	})
	if err := sub.Start(ctx); err != nil {
		slog.Error("subscriber start failed", "error", err)
		os.Exit(1)
	}
	defer sub.Stop()

	// Stand-in for the platform render callback: pull fixed-size blocks on
	// a fixed cadence.
	g.Go(func() error {
		out := [][]float32{make([]float32, 480), make([]float32, 480)}
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				buf.Render(out)
			}
		}
	})

	g.Go(func() error {
		var last telemetry.BufferHealth
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case last = <-health:
			case <-ticker.C:
				slog.Info("demo stats",
					"video_frames", videoFrames.Load(),
					"buffer_ms", last.BufferMS,
					"playing", last.IsPlaying,
					"pub_drops", pub.Drops().Snapshot(),
					"sub_drops", sub.Drops().Snapshot(),
				)
				if videoFrames.Load() > 60 && sub.ActiveTier() == media.Tier360p {
					slog.Info("switching quality", "tier", media.Tier720p)
					if err := sub.SwitchBitrate(media.Tier720p); err != nil {
						slog.Warn("switch failed", "error", err)
					}
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("demo error", "error", err)
		os.Exit(1)
	}
	slog.Info("demo finished", "video_frames", videoFrames.Load())
}

// ignoreCancel maps context cancellation to a clean exit so normal shutdown
// is not reported as a failure.
func ignoreCancel(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("bad duration, using default", "key", key, "value", v)
		return def
	}
	return d
}
