package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/vitals-lab/vitals/internal/core/metric"
)

// Config is the top-level application configuration.
type Config struct {
	Metrics MetricsConfig `koanf:"metrics"`
	Source  SourceConfig  `koanf:"source"`
	Engine  EngineConfig  `koanf:"engine"`
	Render  RenderConfig  `koanf:"render"`
	Log     LogConfig     `koanf:"log"`
}

type MetricsConfig struct {
	Tracked []string `koanf:"tracked"`
}

// Types resolves the tracked metric names. Entries may be
// comma-separated so the list survives a flat environment variable.
func (c MetricsConfig) Types() ([]metric.Type, error) {
	var out []metric.Type
	seen := make(map[metric.Type]bool)
	for _, entry := range c.Tracked {
		for _, name := range strings.Split(entry, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			typ, err := metric.ParseType(name)
			if err != nil {
				return nil, fmt.Errorf("metrics.tracked: %w", err)
			}
			if seen[typ] {
				continue
			}
			seen[typ] = true
			out = append(out, typ)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("metrics.tracked resolves to no metrics")
	}
	return out, nil
}

type SourceConfig struct {
	Kind         string             `koanf:"kind"` // sim | healthexport
	Sim          SimConfig          `koanf:"sim"`
	HealthExport HealthExportConfig `koanf:"healthexport"`
}

type SimConfig struct {
	// Profile is a waveform profile path; empty uses the built-in one.
	Profile string `koanf:"profile"`
}

type HealthExportConfig struct {
	Path   string  `koanf:"path"`
	Speed  float64 `koanf:"speed"`
	Rebase bool    `koanf:"rebase"`
}

type EngineConfig struct {
	DeliveryBuffer        int    `koanf:"delivery_buffer"`
	RolloverCheckInterval string `koanf:"rollover_check_interval"` // parsed and validated on startup
}

func (c EngineConfig) RolloverInterval() time.Duration {
	d, _ := time.ParseDuration(c.RolloverCheckInterval)
	return d
}

type RenderConfig struct {
	Kind       string `koanf:"kind"`    // tui | log
	Refresh    string `koanf:"refresh"` // how often the view re-reads the store
	StaleAfter string `koanf:"stale_after"`
}

func (c RenderConfig) RefreshInterval() time.Duration {
	d, _ := time.ParseDuration(c.Refresh)
	return d
}

func (c RenderConfig) StaleThreshold() time.Duration {
	d, _ := time.ParseDuration(c.StaleAfter)
	return d
}

type LogConfig struct {
	Level string `koanf:"level"` // debug | info | warn | error
}

func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) Validate() error {
	if _, err := c.Metrics.Types(); err != nil {
		return err
	}

	switch c.Source.Kind {
	case "sim":
	case "healthexport":
		if strings.TrimSpace(c.Source.HealthExport.Path) == "" {
			return fmt.Errorf("source.healthexport.path is required when source.kind is healthexport")
		}
	default:
		return fmt.Errorf("unsupported source.kind %q (must be sim or healthexport)", c.Source.Kind)
	}
	if c.Source.HealthExport.Speed < 0 {
		return fmt.Errorf("source.healthexport.speed must be >= 0")
	}

	if c.Engine.DeliveryBuffer <= 0 {
		return fmt.Errorf("engine.delivery_buffer must be > 0")
	}
	interval, err := time.ParseDuration(c.Engine.RolloverCheckInterval)
	if err != nil {
		return fmt.Errorf("invalid engine.rollover_check_interval %q: %w", c.Engine.RolloverCheckInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("engine.rollover_check_interval must be > 0")
	}

	if c.Render.Kind != "tui" && c.Render.Kind != "log" {
		return fmt.Errorf("unsupported render.kind %q (must be tui or log)", c.Render.Kind)
	}
	refresh, err := time.ParseDuration(c.Render.Refresh)
	if err != nil {
		return fmt.Errorf("invalid render.refresh %q: %w", c.Render.Refresh, err)
	}
	if refresh <= 0 {
		return fmt.Errorf("render.refresh must be > 0")
	}
	stale, err := time.ParseDuration(c.Render.StaleAfter)
	if err != nil {
		return fmt.Errorf("invalid render.stale_after %q: %w", c.Render.StaleAfter, err)
	}
	if stale <= 0 {
		return fmt.Errorf("render.stale_after must be > 0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (must be debug, info, warn, or error)", c.Log.Level)
	}

	return nil
}

// Load parses config from defaults, an optional YAML file, and
// VITALS_-prefixed environment variables, then validates the result.
// Env keys map double underscores to dots: VITALS_SOURCE__KIND=sim.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	trackedDefault := make([]string, 0, len(metric.AllTypes()))
	for _, typ := range metric.AllTypes() {
		trackedDefault = append(trackedDefault, string(typ))
	}

	defaults := map[string]interface{}{
		"metrics.tracked":                trackedDefault,
		"source.kind":                    "sim",
		"source.sim.profile":             "",
		"source.healthexport.path":       "",
		"source.healthexport.speed":      60.0,
		"source.healthexport.rebase":     true,
		"engine.delivery_buffer":         64,
		"engine.rollover_check_interval": "30s",
		"render.kind":                    "tui",
		"render.refresh":                 "1s",
		"render.stale_after":             "10s",
		"log.level":                      "info",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("VITALS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "VITALS_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
