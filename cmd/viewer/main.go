// Command viewer runs the receive/decode/render side of a streaming
// session: it binds a UDP socket, gathers ICE candidates, exchanges
// them with the host via hand-off files, then drives the session
// through connect and steady-state playback until interrupted. Shaped
// after cmd/relay/main.go's flag/logger/config/signal wiring.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/crazystream/pkg/config"
	"github.com/ethan/crazystream/pkg/icex"
	"github.com/ethan/crazystream/pkg/logger"
	"github.com/ethan/crazystream/pkg/media"
	"github.com/ethan/crazystream/pkg/qos"
	"github.com/ethan/crazystream/pkg/session"
	"github.com/ethan/crazystream/pkg/statsapi"
)

func main() {
	fs := flag.NewFlagSet("viewer", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	candidatesOut := fs.String("candidates-out", "viewer-candidates.json", "where to write this viewer's local candidates for the host")
	remoteCandidatesIn := fs.String("remote-candidates", "host-candidates.json", "path to the host's candidates, written by the host side")
	width := fs.Int("width", 1920, "expected video width")
	height := fs.Int("height", 1080, "expected video height")
	codecFlag := fs.String("codec", "h264", "video codec: h264 or hevc")
	statsAddr := fs.String("stats-addr", "127.0.0.1:8091", "address for the stats/control HTTP API")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Receive/decode/render streaming viewer\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting streaming viewer", "log_config", logFlags.String())

	cfg, err := config.Load(".env")
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "bind_address", cfg.BindAddress, "gaming_mode", cfg.GamingMode)

	codec := media.CodecH264
	if *codecFlag == "hevc" {
		codec = media.CodecHEVC
	}

	var presetOverrides []qos.PresetOverride
	if cfg.QosPresetFile != "" {
		presetOverrides, err = qos.LoadPresetOverrides(cfg.QosPresetFile)
		if err != nil {
			log.Warn("failed to load qos preset overrides, using built-in presets", "error", err)
		}
	}

	sessCfg := session.Config{
		BindAddress:     cfg.BindAddress,
		StunServers:     cfg.StunServers,
		MTU:             cfg.MTU,
		VPNMode:         cfg.VPNMode,
		GamingMode:      qos.ParseGamingMode(cfg.GamingMode),
		PresetOverrides: presetOverrides,
		Codec:           codec,
		Width:           *width,
		Height:          *height,
		Window:          0,
	}

	// Real decode/render backends are platform-specific and plug in
	// behind the same media.Decoder/media.Renderer interfaces; the fake
	// backends here exercise the full session lifecycle headlessly.
	backends := session.ViewerBackends{
		Decoder:       &media.FakeDecoder{},
		Renderer:      &media.FakeRenderer{},
		AudioDecoder:  &media.FakeAudioDecoder{},
		AudioPlayback: &media.FakeAudioPlayback{},
	}

	sess := session.NewViewer(sessCfg, backends, log)
	sess.OnFatalError = func(err error) {
		log.Error("session terminated", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	local, err := sess.Prepare(ctx)
	if err != nil {
		log.Error("failed to prepare session", "error", err)
		os.Exit(1)
	}
	if err := writeCandidates(*candidatesOut, local); err != nil {
		log.Error("failed to write local candidates", "error", err)
		os.Exit(1)
	}
	log.Info("local candidates ready", "count", len(local), "path", *candidatesOut)

	remote, err := waitForCandidates(ctx, *remoteCandidatesIn)
	if err != nil {
		log.Error("failed to read host candidates", "error", err)
		os.Exit(1)
	}

	if err := sess.Connect(ctx, remote); err != nil {
		log.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer sess.Stop()
	log.Info("streaming", "session_id", sess.ID(), "state", sess.State().String())

	api := statsapi.NewServer(sess, log)
	if err := api.Start(*statsAddr); err != nil {
		log.Error("failed to start stats api", "error", err)
	} else {
		log.Info("stats api listening", "addr", *statsAddr)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			api.Stop(stopCtx)
		}()
	}

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				stats, ok := sess.ViewerStats()
				if !ok {
					continue
				}
				log.Info("playback statistics",
					"frames_decoded", stats.FramesDecoded,
					"frames_rendered", stats.FramesRendered,
					"frames_recovered", stats.FramesRecovered,
					"concealed_frames", stats.ConcealedFrames,
					"nacks_sent", stats.Nack.NacksSent,
					"unrecoverable", stats.Nack.Unrecoverable)
			}
		}
	}()

	log.Info("ready - press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("graceful shutdown complete")
}

func writeCandidates(path string, candidates []icex.Candidate) error {
	data, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// waitForCandidates polls for the peer's hand-off file to appear,
// since the two processes are started independently by the operator
// with no guaranteed ordering.
func waitForCandidates(ctx context.Context, path string) ([]icex.Candidate, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		data, err := os.ReadFile(path)
		if err == nil {
			var candidates []icex.Candidate
			if err := json.Unmarshal(data, &candidates); err != nil {
				return nil, fmt.Errorf("unmarshal candidates: %w", err)
			}
			return candidates, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
