package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rewired-gh/polysignal/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
polymarket:
  poll_interval: 5m
  categories:
    - politics
    - crypto

detection:
  window_size: 10
  category_thresholds:
    crypto:
      high: 0.04

publication:
  cooldown: 30m
  max_posts: 10

telegram:
  bot_token: "test_token"
  chat_id: "test_chat_id"
  enabled: true

storage:
  db_path: "./data/test.db"

logging:
  level: "info"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Polymarket.PollInterval != 5*time.Minute {
		t.Errorf("Unexpected poll interval: %v", cfg.Polymarket.PollInterval)
	}
	if cfg.Detection.WindowSize != 10 {
		t.Errorf("Unexpected window size: %d", cfg.Detection.WindowSize)
	}
	if len(cfg.Detection.Windows) != 3 || cfg.Detection.Windows[2] != 24*time.Hour {
		t.Errorf("Unexpected default windows: %v", cfg.Detection.Windows)
	}
	if cfg.Publication.Cooldown != 30*time.Minute {
		t.Errorf("Unexpected cooldown: %v", cfg.Publication.Cooldown)
	}
	if len(cfg.Polymarket.Categories) != 2 {
		t.Errorf("Expected 2 categories, got %d", len(cfg.Polymarket.Categories))
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	table, err := cfg.Detection.ThresholdTable()
	if err != nil {
		t.Fatalf("ThresholdTable failed: %v", err)
	}
	if v, _ := table.Lookup(models.CategoryCrypto, models.BucketHigh); v != 0.04 {
		t.Errorf("crypto/high threshold = %v, want 0.04", v)
	}
	if v, _ := table.Lookup(models.CategoryPolitics, models.BucketVeryLow); v != 0.20 {
		t.Errorf("politics/very_low threshold = %v, want 0.20", v)
	}

	weights, err := cfg.Scoring.WeightVector()
	if err != nil {
		t.Fatalf("WeightVector failed: %v", err)
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("weights sum to %v, want 1", sum)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	t.Setenv("POLYSIGNAL_TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.ChatID != "12345" {
		t.Errorf("ChatID = %q, want env override", cfg.Telegram.ChatID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/polysignal.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	return cfg
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(c *Config)
		wantConfigErr bool
	}{
		{
			name: "missing telegram token when enabled",
			mutate: func(c *Config) {
				c.Telegram.Enabled = true
				c.Telegram.ChatID = "1"
			},
		},
		{
			name:          "invalid category",
			mutate:        func(c *Config) { c.Polymarket.Categories = []string{"politics", "weather"} },
			wantConfigErr: true,
		},
		{
			name:          "missing bucket threshold",
			mutate:        func(c *Config) { delete(c.Detection.Thresholds, "high") },
			wantConfigErr: true,
		},
		{
			name: "invalid override category",
			mutate: func(c *Config) {
				c.Detection.CategoryThresholds = map[string]map[string]float64{"weather": {"high": 0.1}}
			},
			wantConfigErr: true,
		},
		{
			name:          "missing scoring feature",
			mutate:        func(c *Config) { delete(c.Scoring.Weights, "recency") },
			wantConfigErr: true,
		},
		{
			name:   "inverted water marks",
			mutate: func(c *Config) { c.Calibration.LowWater = 0.9 },
		},
		{
			name:   "zero max step",
			mutate: func(c *Config) { c.Calibration.MaxStep = 0 },
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
		},
		{
			name:   "decreasing bucket cut points",
			mutate: func(c *Config) { c.Detection.Buckets.Medium = 1 },
		},
		{
			name:   "unordered trend windows",
			mutate: func(c *Config) { c.Detection.Windows = []time.Duration{6 * time.Hour, time.Hour} },
		},
		{
			name:   "trend window with one point",
			mutate: func(c *Config) { c.Detection.TrendMinPoints = 1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if got := errors.Is(err, models.ErrConfig); got != tt.wantConfigErr {
				t.Errorf("errors.Is(err, ErrConfig) = %v, want %v (err: %v)", got, tt.wantConfigErr, err)
			}
		})
	}
}
