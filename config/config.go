// Package config loads mixctl settings from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mixbot/dispenser/chart"
	"github.com/mixbot/dispenser/controller"
	"github.com/mixbot/dispenser/history"
	"github.com/mixbot/dispenser/poller"
	"github.com/mixbot/dispenser/slider"
)

// Config is the complete mixctl configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Dispense DispenseConfig `yaml:"dispense"`
	History  HistoryConfig  `yaml:"history"`
	Poll     PollConfig     `yaml:"poll"`
	Journal  JournalConfig  `yaml:"journal"`
	Log      LogConfig      `yaml:"log"`
	Trace    TraceConfig    `yaml:"trace"`

	// MetricsAddr serves /metrics when non-empty (e.g. ":9464")
	MetricsAddr string `yaml:"metrics_addr"`

	// ConfigPath is the file the config was loaded from (not serialized)
	ConfigPath string `yaml:"-"`
}

// BackendConfig is the HTTP backend connection.
type BackendConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

// DispenseConfig tunes the simulated cycle and the sliders.
type DispenseConfig struct {
	TickInterval  time.Duration   `yaml:"tick_interval"`
	ProgressStep  float64         `yaml:"progress_step"`
	ChartCapacity int             `yaml:"chart_capacity"`
	Bounds        slider.Bounds   `yaml:"bounds"`
	Presets       []slider.Preset `yaml:"presets"`
}

// HistoryConfig controls the history panel.
type HistoryConfig struct {
	PageSize int    `yaml:"page_size"`
	Order    string `yaml:"order"`
}

// PollConfig controls the connectivity poller.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// JournalConfig locates the local cycle journal.
type JournalConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level string `yaml:"level"`
	// File receives logs while the panel owns the terminal; empty discards them
	File string `yaml:"file"`
}

// TraceConfig controls OpenTelemetry span export.
type TraceConfig struct {
	// File receives finished spans as JSON; empty keeps them in process
	File string `yaml:"file"`
}

// SearchPaths are tried in order when no explicit path is given.
var SearchPaths = []string{
	"mixctl.yaml",
	"/etc/mixctl/config.yaml",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:           "http://localhost:5000",
			Timeout:       5 * time.Second,
			SlowThreshold: time.Second,
		},
		Dispense: DispenseConfig{
			TickInterval:  controller.DefaultTickInterval,
			ProgressStep:  controller.DefaultProgressStep,
			ChartCapacity: chart.DefaultCapacity,
			Bounds:        slider.DefaultBounds(),
			Presets:       slider.DefaultPresets(),
		},
		History: HistoryConfig{
			PageSize: history.DefaultPageSize,
			Order:    string(history.OrderCreation),
		},
		Poll: PollConfig{
			Interval: poller.DefaultInterval,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path, or the first existing file of SearchPaths when path is
// empty, over the defaults. No file found is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		for _, candidate := range SearchPaths {
			data, err = os.ReadFile(candidate)
			if err == nil {
				path = candidate
				break
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", candidate, err)
			}
		}
		if path == "" {
			return cfg, nil
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.ConfigPath = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Dispense.ProgressStep <= 0 || c.Dispense.ProgressStep > 100 {
		return fmt.Errorf("dispense.progress_step must be in (0, 100], got %g", c.Dispense.ProgressStep)
	}
	if c.Dispense.TickInterval <= 0 {
		return fmt.Errorf("dispense.tick_interval must be positive")
	}
	b := c.Dispense.Bounds
	if b.WaterMax <= 0 || b.SyrupMax <= 0 {
		return fmt.Errorf("dispense.bounds maxima must be positive")
	}
	for i, p := range c.Dispense.Presets {
		if p.Water < 0 || p.Water > b.WaterMax || p.Syrup < 0 || p.Syrup > b.SyrupMax {
			return fmt.Errorf("preset %d (%gml water, %gml syrup) is outside the slider bounds", i+1, p.Water, p.Syrup)
		}
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history.page_size must be positive")
	}
	if _, err := history.ParseOrder(c.History.Order); err != nil {
		return err
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	return nil
}

// ControllerOptions converts the dispense settings.
func (c *Config) ControllerOptions() controller.Options {
	return controller.Options{
		Mode:          controller.ModeSimulated,
		TickInterval:  c.Dispense.TickInterval,
		ProgressStep:  c.Dispense.ProgressStep,
		ChartCapacity: c.Dispense.ChartCapacity,
		Bounds:        c.Dispense.Bounds,
	}
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
