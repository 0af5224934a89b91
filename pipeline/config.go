package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/splatpipe/frames"
	"github.com/hazyhaar/splatpipe/stage"
)

// Config is the whole pipeline configuration, loaded from YAML with the CLI
// layering flag overrides on top. Durations are plain seconds in the file.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Video  VideoConfig  `yaml:"video"`
	Frames FramesConfig `yaml:"frames"`
	Recon  ReconConfig  `yaml:"recon"`
	Viewer ViewerConfig `yaml:"viewer"`
	Retry  RetryConfig  `yaml:"retry"`
}

// VideoConfig configures the generation stage.
type VideoConfig struct {
	BaseURL         string `yaml:"base_url"`
	Model           string `yaml:"model"`
	OptimizerModel  string `yaml:"optimizer_model"`
	OptimizePrompt  bool   `yaml:"optimize_prompt"`
	AspectRatio     string `yaml:"aspect_ratio"`
	DurationSeconds int    `yaml:"duration_s"`
	PollIntervalS   int    `yaml:"poll_interval_s"`
	MaxPolls        int    `yaml:"max_polls"`

	// APIKey comes from the environment, never from the file.
	APIKey string `yaml:"-"`
}

// FramesConfig configures keyframe extraction. fixed_count and
// fixed_interval_s are mutually exclusive.
type FramesConfig struct {
	FixedCount     int     `yaml:"fixed_count"`
	FixedIntervalS float64 `yaml:"fixed_interval_s"`
	FFmpegPath     string  `yaml:"ffmpeg_path"`
	FFprobePath    string  `yaml:"ffprobe_path"`
	Parallelism    int     `yaml:"parallelism"`
}

// ReconConfig configures the reconstruction upload.
type ReconConfig struct {
	BaseURL        string `yaml:"base_url"`
	UploadTimeoutS int    `yaml:"upload_timeout_s"`
}

// ViewerConfig configures the terminal handoff.
type ViewerConfig struct {
	Binary string `yaml:"binary"`
}

// RetryConfig is the shared stage retry policy. Durations are seconds and
// may be fractional.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	BackoffS        float64 `yaml:"backoff_s"`
	MaxBackoffS     float64 `yaml:"max_backoff_s"`
	AttemptTimeoutS float64 `yaml:"attempt_timeout_s"`
}

// DefaultConfig returns a runnable configuration needing only the API key.
func DefaultConfig() Config {
	return Config{
		DataDir: "data",
		Video: VideoConfig{
			OptimizePrompt: true,
			PollIntervalS:  5,
			MaxPolls:       60,
		},
		Frames: FramesConfig{
			FixedCount: 12,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BackoffS:        2,
			MaxBackoffS:     60,
			AttemptTimeoutS: 180,
		},
	}
}

// LoadConfig reads path over the defaults. A missing path returns the
// defaults untouched.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if err := c.SamplingPolicy().Validate(); err != nil {
		return fmt.Errorf("frames: %w", err)
	}
	if c.Video.PollIntervalS <= 0 {
		return fmt.Errorf("video.poll_interval_s must be positive")
	}
	if c.Video.MaxPolls <= 0 {
		return fmt.Errorf("video.max_polls must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	return nil
}

// SamplingPolicy converts the frames section into the extraction policy.
func (c *Config) SamplingPolicy() frames.Policy {
	return frames.Policy{
		FixedCount:    c.Frames.FixedCount,
		FixedInterval: time.Duration(c.Frames.FixedIntervalS * float64(time.Second)),
	}
}

// PollInterval returns the generation poll spacing.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Video.PollIntervalS) * time.Second
}

// runner builds a stage runner from the retry section.
func (c *Config) runner() stage.Runner {
	return stage.Runner{
		MaxAttempts: c.Retry.MaxAttempts,
		Backoff:     time.Duration(c.Retry.BackoffS * float64(time.Second)),
		MaxBackoff:  time.Duration(c.Retry.MaxBackoffS * float64(time.Second)),
		Timeout:     time.Duration(c.Retry.AttemptTimeoutS * float64(time.Second)),
	}
}
