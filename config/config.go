package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the sidecar's configuration, loaded from an INI file.
// ListenPort and Upstream can be overridden via environment variables;
// the other fields cannot.
type Config struct {
	ListenPort    int           // TCP port to accept client connections on
	Upstream      string        // real PostgreSQL address, "host:port"
	ThresholdMs   int           // latency, in milliseconds, at which a query is flagged slow
	Mode          string        // "raw", "tui", or "auto"
	MetricsListen string        // Prometheus /metrics listen address
	Threshold     time.Duration // ThresholdMs converted once at load time
}

// Load reads configuration from an INI file, applying environment
// variable overrides, then defaults for anything still unset. A
// missing file is not an error: every field has a usable default.
func Load(path string) (*Config, error) {
	cfg := ini.Empty()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("config: load %s: %w", path, err)
			}
			cfg = loaded
		}
	}

	sec := cfg.Section("proxy")

	c := &Config{
		ListenPort:    sec.Key("listen_port").MustInt(5433),
		Upstream:      sec.Key("upstream").MustString("localhost:5432"),
		ThresholdMs:   sec.Key("threshold_ms").MustInt(100),
		Mode:          sec.Key("mode").MustString("auto"),
		MetricsListen: sec.Key("metrics_listen").MustString(":9090"),
	}

	if v := os.Getenv("PGPROBE_LISTEN_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			c.ListenPort = port
		}
	}
	if v := os.Getenv("PGPROBE_UPSTREAM"); v != "" {
		c.Upstream = v
	}

	switch c.Mode {
	case "raw", "tui", "auto":
	default:
		return nil, fmt.Errorf("config: invalid mode %q, want raw, tui, or auto", c.Mode)
	}

	c.Threshold = time.Duration(c.ThresholdMs) * time.Millisecond
	return c, nil
}

// ListenAddr is the TCP address the relay should bind to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}
