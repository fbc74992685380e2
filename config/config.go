// Package config loads the YAML configuration shared by the data module, the
// visualizer and the mvtec command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Image destinations accepted in Project.LogImagesTo.
const (
	LogToLocal   = "local"
	LogToTracker = "tracker"
)

// Config is the complete configuration file.
type Config struct {
	Dataset Dataset `yaml:"dataset"`
	Project Project `yaml:"project"`
}

// Dataset configures acquisition, manifest building and data loading.
type Dataset struct {
	// Root holds one directory per category.
	Root     string `yaml:"root"`
	Category string `yaml:"category"`

	ImageSize      int `yaml:"image_size"`
	TrainBatchSize int `yaml:"train_batch_size"`
	TestBatchSize  int `yaml:"test_batch_size"`
	NumWorkers     int `yaml:"num_workers"`

	// Task is "classification" or "segmentation".
	Task string `yaml:"task"`

	// Seed is optional; without it the normal image split differs between
	// runs.
	Seed                *int64  `yaml:"seed"`
	SplitRatio          float64 `yaml:"split_ratio"`
	CreateValidationSet bool    `yaml:"create_validation_set"`

	// Archive source. Empty values fall back to the official MVTec AD
	// archive.
	URL     string `yaml:"url"`
	Archive string `yaml:"archive"`
	MD5     string `yaml:"md5"`
}

// Project configures where results go.
type Project struct {
	Path        string   `yaml:"path"`
	LogImagesTo []string `yaml:"log_images_to"`
	ShowImages  bool     `yaml:"show_images"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Dataset: Dataset{
			Root:           "./datasets/MVTec",
			Category:       "bottle",
			ImageSize:      256,
			TrainBatchSize: 32,
			TestBatchSize:  32,
			NumWorkers:     8,
			Task:           "segmentation",
			SplitRatio:     0.1,
		},
		Project: Project{
			Path: "./results",
		},
	}
}

// Load reads and validates a configuration file. Missing keys keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	d := c.Dataset
	if d.Root == "" {
		return fmt.Errorf("dataset.root is required")
	}
	if d.Category == "" {
		return fmt.Errorf("dataset.category is required")
	}
	if d.ImageSize < 0 {
		return fmt.Errorf("dataset.image_size must be >= 0, got %d", d.ImageSize)
	}
	if d.TrainBatchSize < 1 || d.TestBatchSize < 1 {
		return fmt.Errorf("batch sizes must be >= 1, got train=%d test=%d", d.TrainBatchSize, d.TestBatchSize)
	}
	if d.NumWorkers < 0 {
		return fmt.Errorf("dataset.num_workers must be >= 0, got %d", d.NumWorkers)
	}
	if d.Task != "classification" && d.Task != "segmentation" {
		return fmt.Errorf("dataset.task must be classification or segmentation, got %q", d.Task)
	}
	if d.SplitRatio <= 0 || d.SplitRatio >= 1 {
		return fmt.Errorf("dataset.split_ratio must be in (0, 1), got %v", d.SplitRatio)
	}
	for _, dest := range c.Project.LogImagesTo {
		if dest != LogToLocal && dest != LogToTracker {
			return fmt.Errorf("project.log_images_to: unknown destination %q", dest)
		}
	}
	return nil
}

// SaveImages reports whether visualizations are written to disk.
func (p Project) SaveImages() bool {
	return slices.Contains(p.LogImagesTo, LogToLocal)
}

// LogImages reports whether visualizations are forwarded to the tracker.
func (p Project) LogImages() bool {
	return slices.Contains(p.LogImagesTo, LogToTracker)
}

// ImageSavePath is the directory visualizations are written to.
func (p Project) ImageSavePath() string {
	return filepath.Join(p.Path, "images")
}

// CategoryPath is the directory of the configured category.
func (d Dataset) CategoryPath() string {
	return filepath.Join(d.Root, d.Category)
}
