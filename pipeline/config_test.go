package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
data_dir: /var/lib/splatpipe
video:
  model: veo-custom
  poll_interval_s: 10
frames:
  fixed_count: 0
  fixed_interval_s: 0.5
retry:
  max_attempts: 5
  backoff_s: 1.5
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/var/lib/splatpipe" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Video.Model != "veo-custom" {
		t.Errorf("model = %q", cfg.Video.Model)
	}
	if got := cfg.PollInterval(); got != 10*time.Second {
		t.Errorf("poll interval = %s", got)
	}
	// Untouched sections keep their defaults.
	if cfg.Video.MaxPolls != 60 {
		t.Errorf("max_polls = %d, want default 60", cfg.Video.MaxPolls)
	}

	p := cfg.SamplingPolicy()
	if p.FixedCount != 0 || p.FixedInterval != 500*time.Millisecond {
		t.Errorf("policy = %+v", p)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}

	r := cfg.runner()
	if r.MaxAttempts != 5 || r.Backoff != 1500*time.Millisecond {
		t.Errorf("runner = %+v", r)
	}
}

func TestLoadConfigWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Frames.FixedCount != 12 {
		t.Errorf("default fixed_count = %d", cfg.Frames.FixedCount)
	}
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"both sampling modes", func(c *Config) { c.Frames.FixedIntervalS = 1 }},
		{"no sampling mode", func(c *Config) { c.Frames.FixedCount = 0 }},
		{"zero poll interval", func(c *Config) { c.Video.PollIntervalS = 0 }},
		{"zero max polls", func(c *Config) { c.Video.MaxPolls = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
