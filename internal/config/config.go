// Package config loads tidepark configuration from a YAML file and
// command-line flags, layered over built-in defaults.
package config

import (
	"errors"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/tidepark/tidepark/internal/xdg"
)

// Config is the full server configuration.
type Config struct {
	Plugins       PluginsConfig       `koanf:"plugins"`
	Sim           SimConfig           `koanf:"sim"`
	Log           LogConfig           `koanf:"log"`
	Observability ObservabilityConfig `koanf:"observability"`
	Control       ControlConfig       `koanf:"control"`
}

// PluginsConfig controls plugin discovery and hot reloading.
type PluginsConfig struct {
	// Dir is the directory scanned recursively for *.js plugins.
	Dir string `koanf:"dir"`
	// HotReload starts the file watcher so on-disk changes reload plugins.
	HotReload bool `koanf:"hot_reload"`
	// Ignore holds extra glob patterns excluded from the plugin scan,
	// matched against the path relative to Dir. node_modules trees are
	// always excluded regardless of this list.
	Ignore []string `koanf:"ignore"`
}

// SimConfig controls the host simulation loop.
type SimConfig struct {
	// TickMS is the simulation tick interval in milliseconds.
	TickMS int `koanf:"tick_ms"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	// Format is "json" or "text".
	Format string `koanf:"format"`
}

// ObservabilityConfig controls the metrics/health endpoint.
type ObservabilityConfig struct {
	// Addr is the listen address for /metrics and health probes.
	// Empty disables the observability server.
	Addr string `koanf:"addr"`
}

// ControlConfig controls the unix control socket.
type ControlConfig struct {
	// Socket is the unix socket path. Empty disables the control server.
	Socket string `koanf:"socket"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Plugins: PluginsConfig{
			Dir:       xdg.PluginDir(),
			HotReload: true,
		},
		Sim: SimConfig{
			TickMS: 25,
		},
		Log: LogConfig{
			Format: "json",
		},
		Control: ControlConfig{
			Socket: defaultSocketPath(),
		},
	}
}

func defaultSocketPath() string {
	return xdg.RuntimeDir() + "/tidepark.sock"
}

// Load builds the configuration: defaults, then the YAML file (explicit
// path, or the XDG config file if present), then flags. A missing explicit
// file is an error; a missing default file is not.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = xdg.ConfigDir() + "/config.yaml"
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, oops.In("config").With("path", path).Hint("failed to read config file").Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.In("config").Hint("failed to read flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration constraints.
func (c *Config) Validate() error {
	if c.Plugins.Dir == "" {
		return oops.In("config").New("plugins.dir must not be empty")
	}
	if c.Sim.TickMS <= 0 {
		return oops.In("config").With("tick_ms", c.Sim.TickMS).New("sim.tick_ms must be positive")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.In("config").With("format", c.Log.Format).New(`log.format must be "json" or "text"`)
	}
	return nil
}
