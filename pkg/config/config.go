// Package config provides configuration loading and management for segmentcore.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"segmentcore/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers bounds the statistics and marker decode pools
		NumWorkers int `yaml:"numWorkers"`

		// Statistics lists the statistic kinds computed for every marker
		Statistics []models.Statistic `yaml:"statistics"`

		// SegmentArea also stores the pixel count of every segment as a feature
		SegmentArea bool `yaml:"segmentArea"`
	} `yaml:"processing"`

	// Hull parameters for segment outlines
	Hull struct {
		// Concavity controls how deep the outline digs into a segment.
		// Lower values produce more detailed outlines; +Inf gives the convex hull.
		Concavity float64 `yaml:"concavity"`

		// LengthThreshold stops digging on edges shorter than this many pixels
		LengthThreshold float64 `yaml:"lengthThreshold"`

		// SimplifyTolerance enables Douglas-Peucker simplification when > 0
		SimplifyTolerance float64 `yaml:"simplifyTolerance"`
	} `yaml:"hull"`

	// Cache parameters
	Cache struct {
		// OptimizedSegmentation persists derived segmentation maps next to the mask file
		OptimizedSegmentation bool `yaml:"optimizedSegmentation"`

		// MaxImageSetsInMemory is the number of image sets kept resident
		MaxImageSetsInMemory int `yaml:"maxImageSetsInMemory"`
	} `yaml:"cache"`

	// Store parameters for the durable statistics store
	Store struct {
		// Path is the badger directory; empty keeps the store in memory
		Path string `yaml:"path"`

		// SyncWrites fsyncs every statistics write
		SyncWrites bool `yaml:"syncWrites"`
	} `yaml:"store"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Console switches from JSON lines to human readable output
		Console bool `yaml:"console"`
	} `yaml:"logging"`

	// Server parameters for the HTTP query surface
	Server struct {
		// Addr is the listen address
		Addr string `yaml:"addr"`

		// Mode is the gin mode: debug, release or test
		Mode string `yaml:"mode"`
	} `yaml:"server"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Statistics = []models.Statistic{models.Mean, models.Median}
	cfg.Processing.SegmentArea = true

	// Set default hull parameters
	cfg.Hull.Concavity = 2
	cfg.Hull.LengthThreshold = 0
	cfg.Hull.SimplifyTolerance = 0

	// Set default cache parameters
	cfg.Cache.OptimizedSegmentation = true
	cfg.Cache.MaxImageSetsInMemory = 3

	// Set default logging parameters
	cfg.Logging.Level = "info"
	cfg.Logging.Console = false

	// Set default server parameters
	cfg.Server.Addr = ":8080"
	cfg.Server.Mode = "release"

	return cfg
}

// Validate checks the configuration for values the core cannot run with
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if len(c.Processing.Statistics) == 0 {
		return fmt.Errorf("processing.statistics must list at least one statistic")
	}
	for _, s := range c.Processing.Statistics {
		kind, err := models.ParseStatistic(string(s))
		if err != nil {
			return fmt.Errorf("processing.statistics: %w", err)
		}
		if !kind.PerMarker() {
			return fmt.Errorf("processing.statistics: %s is not a marker statistic, use processing.segmentArea", kind)
		}
	}
	if c.Hull.Concavity <= 0 {
		return fmt.Errorf("hull.concavity must be positive, got %g", c.Hull.Concavity)
	}
	if c.Hull.LengthThreshold < 0 || c.Hull.SimplifyTolerance < 0 {
		return fmt.Errorf("hull thresholds must not be negative")
	}
	if c.Cache.MaxImageSetsInMemory < 1 {
		return fmt.Errorf("cache.maxImageSetsInMemory must be at least 1, got %d", c.Cache.MaxImageSetsInMemory)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
