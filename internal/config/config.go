package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/microstitch/config.json"
	defaultParallel   = 2

	// MaxStitchInputs is the number of uploaded images a stitch consumes.
	// Anything beyond the first two (by sorted filename) is ignored.
	MaxStitchInputs = 2
)

// ServedZoomFactors are the magnifications the HTTP surface produces and serves.
var ServedZoomFactors = []int{10, 20}

// Config holds user-editable settings for the service.
type Config struct {
	Server     Server     `json:"server" yaml:"server"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Processing Processing `json:"processing" yaml:"processing"`
	Stitch     Stitch     `json:"stitch" yaml:"stitch"`
	Zoom       Zoom       `json:"zoom" yaml:"zoom"`
	Focus      Focus      `json:"focus" yaml:"focus"`
	Logging    Logging    `json:"logging" yaml:"logging"`
}

// Server configures the network listeners.
type Server struct {
	Addr        string `json:"addr" yaml:"addr"`
	GRPCAddr    string `json:"grpc_addr" yaml:"grpc_addr"` // empty disables gRPC health
	MaxUploadMB int64  `json:"max_upload_mb" yaml:"max_upload_mb"`
}

// Paths configures where uploads, slots and the job database live.
type Paths struct {
	InputDir     string `json:"input_dir" yaml:"input_dir"`
	OutputDir    string `json:"output_dir" yaml:"output_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs"`
	JPEGQuality  int `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// Stitch tunes the pairwise stitcher.
type Stitch struct {
	MaxInputs       int     `json:"max_inputs" yaml:"max_inputs"`
	MaxFeatures     int     `json:"max_features" yaml:"max_features"`
	ReprojThreshold float64 `json:"reproj_threshold" yaml:"reproj_threshold"`
}

// Zoom lists the digital zoom factors produced by POST /zoom. It must name
// every served factor once; order is free.
type Zoom struct {
	Factors []int `json:"factors" yaml:"factors"`
}

// Focus tunes the sharpness gate and the standalone unsharp helper.
type Focus struct {
	Threshold       float64 `json:"threshold" yaml:"threshold"`
	UnsharpStrength float64 `json:"unsharp_strength" yaml:"unsharp_strength"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Path returns the config file location honoured by Load.
func Path() string {
	if p := os.Getenv("MICROSTITCH_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path. A missing file yields the defaults.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:        ":5000",
			MaxUploadMB: 64,
		},
		Paths: Paths{
			InputDir:     "input",
			OutputDir:    "output",
			DatabasePath: filepath.Join(os.TempDir(), "microstitch.db"),
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			JPEGQuality:  95,
		},
		Stitch: Stitch{
			MaxInputs:       MaxStitchInputs,
			MaxFeatures:     500,
			ReprojThreshold: 5.0,
		},
		Zoom: Zoom{
			Factors: append([]int(nil), ServedZoomFactors...),
		},
		Focus: Focus{
			Threshold:       100.0,
			UnsharpStrength: 1.5,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
	}
}

// Validate rejects settings the pipeline cannot honour.
func (c *Config) Validate() error {
	if c.Stitch.MaxInputs != MaxStitchInputs {
		return fmt.Errorf("stitch.max_inputs must be %d, got %d", MaxStitchInputs, c.Stitch.MaxInputs)
	}
	if c.Stitch.MaxFeatures <= 0 {
		return fmt.Errorf("stitch.max_features must be positive")
	}
	if c.Stitch.ReprojThreshold <= 0 {
		return fmt.Errorf("stitch.reproj_threshold must be positive")
	}
	if c.Processing.JPEGQuality < 1 || c.Processing.JPEGQuality > 100 {
		return fmt.Errorf("processing.jpeg_quality must be within 1..100, got %d", c.Processing.JPEGQuality)
	}
	if len(c.Zoom.Factors) != len(ServedZoomFactors) {
		return fmt.Errorf("zoom.factors must be exactly %v, got %v", ServedZoomFactors, c.Zoom.Factors)
	}
	seen := make(map[int]bool, len(c.Zoom.Factors))
	for _, f := range c.Zoom.Factors {
		if !IsServedFactor(f) || seen[f] {
			return fmt.Errorf("zoom.factors must be exactly %v, got %v", ServedZoomFactors, c.Zoom.Factors)
		}
		seen[f] = true
	}
	if c.Focus.Threshold < 0 {
		return fmt.Errorf("focus.threshold must not be negative")
	}
	return nil
}

// IsServedFactor reports whether f is a zoom factor the service produces.
func IsServedFactor(f int) bool {
	for _, s := range ServedZoomFactors {
		if s == f {
			return true
		}
	}
	return false
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
