package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/crazystream/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("session started", "session_id", "abc-123")
	log.Warn("falling back to MAPPED-ADDRESS", "stun_server", "stun.example.com")
	log.Error("dtls handshake failed", "error", "timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugWire)
	cfg.EnableCategory(logger.DebugQoS)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugWireEvent("video fragment decoded", "seq", 12345, "frame_number", 42)
	log.DebugQoSEvent("state transition", "from", "HOLD", "to", "DECREASE")
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// fs := flag.NewFlagSet("host", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/host/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "session.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("session.json")

	log.Info("feedback received",
		"loss_x10000", 120,
		"bw_kbps", 18500,
		"jitter_us", 900)
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugJitter)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Only executes if DebugJitter is enabled; zero cost otherwise.
	log.DebugJitterEvent("frame released", "frame_number", 7, "age_ms", 18)
}
