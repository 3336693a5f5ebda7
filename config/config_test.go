package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mixctl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Poll.Interval != 500*time.Millisecond || cfg.Dispense.TickInterval != 200*time.Millisecond {
		t.Errorf("intervals = %v / %v", cfg.Poll.Interval, cfg.Dispense.TickInterval)
	}
	if cfg.History.PageSize != 3 || cfg.Dispense.ChartCapacity != 20 {
		t.Errorf("page size %d, chart cap %d", cfg.History.PageSize, cfg.Dispense.ChartCapacity)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeFile(t, `
backend:
  url: http://esp-gateway.local:5000
  timeout: 2s
dispense:
  tick_interval: 100ms
  presets:
    - water: 300
      syrup: 60
poll:
  interval: 1s
history:
  order: server-newest-first
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q", cfg.ConfigPath)
	}
	if cfg.Backend.URL != "http://esp-gateway.local:5000" || cfg.Backend.Timeout != 2*time.Second {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Dispense.TickInterval != 100*time.Millisecond || cfg.Poll.Interval != time.Second {
		t.Errorf("intervals = %v / %v", cfg.Dispense.TickInterval, cfg.Poll.Interval)
	}
	if len(cfg.Dispense.Presets) != 1 || cfg.Dispense.Presets[0].Water != 300 {
		t.Errorf("presets = %+v", cfg.Dispense.Presets)
	}
	// Untouched keys keep their defaults.
	if cfg.Dispense.ProgressStep != 2 || cfg.Dispense.Bounds.WaterMax != 1000 {
		t.Errorf("defaults lost: %+v", cfg.Dispense)
	}

	opts := cfg.ControllerOptions()
	if opts.TickInterval != 100*time.Millisecond || opts.Bounds.SyrupMax != 200 {
		t.Errorf("controller options = %+v", opts)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":        "backend: [",
		"preset bounds": "dispense:\n  presets:\n    - water: 5000\n      syrup: 10\n",
		"order":         "history:\n  order: sideways\n",
		"step":          "dispense:\n  progress_step: 0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestLoad_SearchPaths(t *testing.T) {
	dir := t.TempDir()
	saved := SearchPaths
	t.Cleanup(func() { SearchPaths = saved })

	SearchPaths = []string{filepath.Join(dir, "missing.yaml")}
	cfg, err := Load("")
	if err != nil || cfg.ConfigPath != "" {
		t.Fatalf("no file: %+v, %v", cfg, err)
	}

	found := filepath.Join(dir, "found.yaml")
	os.WriteFile(found, []byte("metrics_addr: \":9464\"\n"), 0o644)
	SearchPaths = append(SearchPaths, found)
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigPath != found || cfg.MetricsAddr != ":9464" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Backend.URL = "http://10.0.0.7:5000"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Backend.URL != cfg.Backend.URL || loaded.Poll.Interval != cfg.Poll.Interval {
		t.Errorf("loaded = %+v", loaded)
	}
}
