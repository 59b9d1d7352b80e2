package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	DebugWire   bool
	DebugQoS    bool
	DebugICE    bool
	DebugDTLS   bool
	DebugJitter bool
	DebugAll    bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.BoolVar(&f.DebugWire, "debug-wire", false,
		"Enable packet codec encode/decode debugging")
	fs.BoolVar(&f.DebugQoS, "debug-qos", false,
		"Enable QoS controller decision debugging")
	fs.BoolVar(&f.DebugICE, "debug-ice", false,
		"Enable ICE candidate gathering/connectivity debugging")
	fs.BoolVar(&f.DebugDTLS, "debug-dtls", false,
		"Enable DTLS handshake/record-layer debugging")
	fs.BoolVar(&f.DebugJitter, "debug-jitter", false,
		"Enable jitter buffer admission/release debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugWire {
			cfg.EnableCategory(DebugWire)
			cfg.Level = LevelDebug
		}
		if f.DebugQoS {
			cfg.EnableCategory(DebugQoS)
			cfg.Level = LevelDebug
		}
		if f.DebugICE {
			cfg.EnableCategory(DebugICE)
			cfg.Level = LevelDebug
		}
		if f.DebugDTLS {
			cfg.EnableCategory(DebugDTLS)
			cfg.Level = LevelDebug
		}
		if f.DebugJitter {
			cfg.EnableCategory(DebugJitter)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./host

  Enable DEBUG level:
    ./host --log-level debug
    ./host -l debug

  Log to file:
    ./host --log-file host.log
    ./host -o host.log

  JSON format for structured logging:
    ./host --log-format json -o host.json

  Debug QoS controller decisions only:
    ./host --debug-qos

  Debug wire codec only:
    ./viewer --debug-wire

  Debug multiple categories:
    ./host --debug-ice --debug-dtls

  Debug everything:
    ./host --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./host -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugWire {
			debugCategories = append(debugCategories, "wire")
		}
		if f.DebugQoS {
			debugCategories = append(debugCategories, "qos")
		}
		if f.DebugICE {
			debugCategories = append(debugCategories, "ice")
		}
		if f.DebugDTLS {
			debugCategories = append(debugCategories, "dtls")
		}
		if f.DebugJitter {
			debugCategories = append(debugCategories, "jitter")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
