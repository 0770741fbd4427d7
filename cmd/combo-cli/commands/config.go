package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix maps COMBO_LOG_LEVEL=debug to the "log_level" key, matching
// the config file layout.
const envPrefix = "COMBO_"

// Config holds the combo-cli configuration.
type Config struct {
	// PumpAddress is the Bluetooth address of the pump to drive.
	PumpAddress string `koanf:"pump_address"`

	// StateDir is where per-pump pairing state files live.
	StateDir string `koanf:"state_dir"`

	// FriendlyName is the Bluetooth name reported during pairing.
	FriendlyName string `koanf:"friendly_name"`

	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `koanf:"log_level"`

	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log_format"`

	// Demo runs against the built-in simulated pump instead of a real
	// Bluetooth transport.
	Demo bool `koanf:"demo"`

	// DemoPIN is the PIN the simulated pump "displays".
	DemoPIN string `koanf:"demo_pin"`
}

// defaultConfig returns the built-in defaults applied below file and
// environment overrides.
func defaultConfig() Config {
	return Config{
		PumpAddress:  "00:0E:2F:10:28:61",
		StateDir:     "combo-state",
		FriendlyName: "combo-cli",
		LogLevel:     "info",
		LogFormat:    "text",
		DemoPIN:      "1234567890",
	}
}

// loadConfig merges the optional YAML file at path and COMBO_* environment
// variables over the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the slog logger the driver components share.
func newLogger(cfg Config) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
}
