// Package frames decodes keyframes out of a generated video. Decoding is
// delegated to ffmpeg/ffprobe subprocesses; this package owns the sampling
// policy, the per-frame fan-out, and the ordering guarantee.
package frames

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/splatpipe/stage"
	"github.com/hazyhaar/splatpipe/store"
)

// Frame is one extracted keyframe.
type Frame struct {
	Index     int           `json:"index"`
	Timestamp time.Duration `json:"timestamp"`
	Path      string        `json:"path"`
}

// FrameSet is the ordered extraction result. Order is significant: the
// frames trace the camera path and are uploaded in this exact order.
type FrameSet struct {
	Frames   []Frame       `json:"frames"`
	Interval time.Duration `json:"interval"`
	Dir      string        `json:"dir"`
}

// Config configures the extractor.
type Config struct {
	Policy      Policy
	FFmpegPath  string // default "ffmpeg"
	FFprobePath string // default "ffprobe"
	Parallelism int    // concurrent decode processes, default min(NumCPU, 4)
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
		if c.Parallelism > 4 {
			c.Parallelism = 4
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Extractor turns a video file into a FrameSet. Stateless apart from config;
// identical input and policy give identical output.
type Extractor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{cfg: cfg, logger: cfg.Logger}
}

// Extract samples keyframes from videoPath into destDir. The returned set
// has exactly the frame count the policy demands, in strictly increasing
// timestamp order, or the call fails.
func (e *Extractor) Extract(ctx context.Context, videoPath, destDir string) (*FrameSet, error) {
	if err := e.cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	duration, err := e.probeDuration(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	timestamps, err := e.cfg.Policy.Timestamps(duration)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, stage.Wrap(stage.KindTransient, err, "create frames dir")
	}

	e.logger.Info("extracting frames",
		"video", videoPath, "duration", duration, "count", len(timestamps), "parallelism", e.cfg.Parallelism)

	// Frames decode in parallel across cores; the externally visible
	// guarantee is the ordering of the reassembled result, not the
	// internal schedule.
	frames := make([]Frame, len(timestamps))
	errs := make([]error, len(timestamps))
	sem := make(chan struct{}, e.cfg.Parallelism)
	var wg sync.WaitGroup

	for i, ts := range timestamps {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, ts time.Duration) {
			defer wg.Done()
			defer func() { <-sem }()
			path := store.FramePath(destDir, i)
			if err := e.extractOne(ctx, videoPath, ts, path); err != nil {
				errs[i] = err
				return
			}
			frames[i] = Frame{Index: i, Timestamp: ts, Path: path}
		}(i, ts)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(frames, func(a, b int) bool { return frames[a].Timestamp < frames[b].Timestamp })
	for i := range frames {
		if frames[i].Index != i {
			return nil, stage.Errf(stage.KindInternal, "frame ordering corrupted at index %d", i)
		}
	}

	return &FrameSet{
		Frames:   frames,
		Interval: e.cfg.Policy.Interval(duration),
		Dir:      destDir,
	}, nil
}

// probeDuration asks ffprobe for the container duration in seconds.
func (e *Extractor) probeDuration(ctx context.Context, videoPath string) (time.Duration, error) {
	out, err := e.runCmd(ctx, e.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath)
	if err != nil {
		return 0, err
	}

	secs, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if perr != nil {
		return 0, stage.Errf(stage.KindExtraction, "unparseable ffprobe duration %q", strings.TrimSpace(string(out)))
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// extractOne decodes the single frame nearest ts into destPath.
func (e *Extractor) extractOne(ctx context.Context, videoPath string, ts time.Duration, destPath string) error {
	tmp := destPath + ".tmp.jpg"
	_, err := e.runCmd(ctx, e.cfg.FFmpegPath,
		"-v", "error",
		"-ss", fmt.Sprintf("%.3f", ts.Seconds()),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		"-y", tmp)
	if err != nil {
		os.Remove(tmp)
		return err
	}

	info, serr := os.Stat(tmp)
	if serr != nil || info.Size() == 0 {
		os.Remove(tmp)
		// ffmpeg exits 0 but writes nothing when -ss lands past the last
		// packet; surface it as the policy outrunning the video.
		return stage.Errf(stage.KindExtraction, "no frame decoded at %s: timestamp beyond video duration", ts)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return stage.Wrap(stage.KindTransient, err, "place extracted frame")
	}
	return nil
}

// runCmd executes a decode tool and classifies its failure modes.
func (e *Extractor) runCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// ffmpeg forks; without a wait delay a killed decode blocks on the
	// stderr pipe its children still hold open.
	cmd.WaitDelay = 2 * time.Second
	out, err := cmd.Output()
	if err == nil {
		return out, nil
	}
	// A hit on the per-attempt deadline is a retryable timeout; only an
	// external cancellation ends the stage as cancelled.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, stage.Wrap(stage.KindTimeout, ctx.Err(), name+" timed out")
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, stage.Wrap(stage.KindCancelled, ctx.Err(), name+" interrupted")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(string(exitErr.Stderr))
		return nil, stage.Errf(stage.KindExtraction, "%s failed: %s", name, firstLine(detail))
	}
	// Binary missing or not executable: an environment problem the operator
	// must fix, not a decode failure.
	return nil, stage.Wrap(stage.KindConfig, err, name+" not runnable")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "no diagnostic output"
	}
	return s
}
