package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Dataset.Seed != nil {
		t.Fatalf("default config should not set a seed")
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	data := []byte(`
dataset:
  root: /data/mvtec
  category: screw
  seed: 0
  split_ratio: 0.4
  create_validation_set: true
project:
  path: /tmp/results
  log_images_to: [local, tracker]
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	d := cfg.Dataset
	if d.Root != "/data/mvtec" || d.Category != "screw" {
		t.Fatalf("unexpected dataset location: %+v", d)
	}
	if d.Seed == nil || *d.Seed != 0 {
		t.Fatalf("expected explicit seed 0, got %v", d.Seed)
	}
	if d.SplitRatio != 0.4 || !d.CreateValidationSet {
		t.Fatalf("unexpected split settings: %+v", d)
	}
	// untouched keys keep defaults
	if d.ImageSize != 256 || d.Task != "segmentation" || d.TrainBatchSize != 32 {
		t.Fatalf("defaults not preserved: %+v", d)
	}
	if got := d.CategoryPath(); got != filepath.Join("/data/mvtec", "screw") {
		t.Fatalf("unexpected category path %s", got)
	}
	if !cfg.Project.SaveImages() || !cfg.Project.LogImages() {
		t.Fatalf("expected both image destinations enabled")
	}
	if got := cfg.Project.ImageSavePath(); got != filepath.Join("/tmp/results", "images") {
		t.Fatalf("unexpected image save path %s", got)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("empty config should parse to defaults: %v", err)
	}
	if cfg.Dataset.Category != "bottle" {
		t.Fatalf("expected default category, got %q", cfg.Dataset.Category)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":  "dataset:\n  colour: red\n",
		"bad task":     "dataset:\n  task: detection\n",
		"ratio zero":   "dataset:\n  split_ratio: 0\n",
		"ratio one":    "dataset:\n  split_ratio: 1\n",
		"batch size":   "dataset:\n  train_batch_size: 0\n",
		"destination":  "project:\n  log_images_to: [wandb]\n",
		"empty root":   "dataset:\n  root: \"\"\n",
		"not yaml":     "dataset: [",
		"neg workers":  "dataset:\n  num_workers: -1\n",
		"neg img size": "dataset:\n  image_size: -5\n",
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(path, []byte("dataset:\n  category: tile\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dataset.Category != "tile" {
		t.Fatalf("expected category tile, got %q", cfg.Dataset.Category)
	}

	_, err = Load(filepath.Join(tmp, "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("expected error naming the missing file, got %v", err)
	}
}
