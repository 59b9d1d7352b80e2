// Package config loads session configuration for the host and viewer
// binaries from a simple key=value env file, the same loader shape the
// rest of this codebase's ancestry uses for credentials.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds the local session configuration needed to bring up a
// host or viewer endpoint: bind address, STUN servers, default gaming
// mode, MTU, and the VPN-mode flag that widens QoS overuse thresholds.
type Config struct {
	BindAddress   string
	StunServers   []string
	GamingMode    string
	MTU           int
	VPNMode       bool
	QosPresetFile string
}

// Load reads configuration from a .env-style file.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := &Config{
		BindAddress: "0.0.0.0:0",
		GamingMode:  "balanced",
		MTU:         1400,
	}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		switch key {
		case "bind_address":
			cfg.BindAddress = decodedValue
		case "stun_servers":
			cfg.StunServers = splitNonEmpty(decodedValue, ",")
		case "gaming_mode":
			cfg.GamingMode = decodedValue
		case "mtu":
			if n, err := strconv.Atoi(decodedValue); err == nil {
				cfg.MTU = n
			}
		case "vpn_mode":
			cfg.VPNMode = decodedValue == "true" || decodedValue == "1"
		case "qos_preset_file":
			cfg.QosPresetFile = decodedValue
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the loaded configuration is usable.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("missing bind_address")
	}
	if c.MTU < 576 || c.MTU > 9000 {
		return fmt.Errorf("mtu out of range: %d", c.MTU)
	}
	return nil
}
