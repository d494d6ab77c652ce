package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Stitch.MaxInputs != MaxStitchInputs {
		t.Fatalf("expected max inputs %d, got %d", MaxStitchInputs, cfg.Stitch.MaxInputs)
	}
	if cfg.Stitch.ReprojThreshold != 5.0 {
		t.Fatalf("expected reprojection threshold 5.0, got %v", cfg.Stitch.ReprojThreshold)
	}
	if cfg.Focus.Threshold != 100.0 {
		t.Fatalf("expected focus threshold 100, got %v", cfg.Focus.Threshold)
	}
	if len(cfg.Zoom.Factors) != 2 || cfg.Zoom.Factors[0] != 10 || cfg.Zoom.Factors[1] != 20 {
		t.Fatalf("unexpected zoom factors %v", cfg.Zoom.Factors)
	}
}

func TestLoadFileJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"server":{"addr":":9090"},"processing":{"parallel_jobs":3,"jpeg_quality":80}}`)
	cfg, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Processing.ParallelJobs != 3 || cfg.Processing.JPEGQuality != 80 {
		t.Fatalf("json overrides not applied: %+v", cfg)
	}
	if cfg.Paths.InputDir != "input" {
		t.Fatalf("expected untouched defaults to survive, got %q", cfg.Paths.InputDir)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "paths:\n  input_dir: /data/in\nfocus:\n  threshold: 42.5\n")
	cfg, err = LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Paths.InputDir != "/data/in" || cfg.Focus.Threshold != 42.5 {
		t.Fatalf("yaml overrides not applied: %+v", cfg)
	}
}

func TestValidateRejectsUnsupportedSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"three stitch inputs", func(c *Config) { c.Stitch.MaxInputs = 3 }},
		{"unserved zoom factor", func(c *Config) { c.Zoom.Factors = []int{15} }},
		{"empty zoom factors", func(c *Config) { c.Zoom.Factors = nil }},
		{"subset of zoom factors", func(c *Config) { c.Zoom.Factors = []int{10} }},
		{"duplicate zoom factor", func(c *Config) { c.Zoom.Factors = []int{10, 10} }},
		{"jpeg quality zero", func(c *Config) { c.Processing.JPEGQuality = 0 }},
		{"negative threshold", func(c *Config) { c.Focus.Threshold = -1 }},
		{"zero reprojection", func(c *Config) { c.Stitch.ReprojThreshold = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	reordered := Default()
	reordered.Zoom.Factors = []int{20, 10}
	if err := reordered.Validate(); err != nil {
		t.Fatalf("reordered factors should validate: %v", err)
	}
}

func TestPathHonoursEnv(t *testing.T) {
	t.Setenv("MICROSTITCH_CONFIG", "/etc/microstitch.yaml")
	if Path() != "/etc/microstitch.yaml" {
		t.Fatalf("expected env override, got %s", Path())
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
