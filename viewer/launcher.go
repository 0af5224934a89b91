// Package viewer hands the finished point cloud to an external 3DGS
// viewer/trainer. The handoff never fails the pipeline: reconstruction
// success is the terminal success condition, viewing is best-effort.
package viewer

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// Config configures the launcher.
type Config struct {
	// Binary is the viewer executable (e.g. a brush build). Empty means no
	// viewer is configured and every handoff defers.
	Binary string
	Logger *slog.Logger
}

// Result reports how the handoff went.
type Result struct {
	// Launched is true when the viewer process was started.
	Launched bool
	// Command is the exact invocation, either what was launched or what
	// the caller should run manually.
	Command string
	// PID of the launched process, 0 when deferred.
	PID int
}

// Launcher performs the viewer handoff.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Launcher.
func New(cfg Config) *Launcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Launcher{cfg: cfg, logger: cfg.Logger}
}

// Handoff launches the configured viewer on the point cloud, or returns the
// deferred command when no viewer is available. The process is intentionally
// not tied to the pipeline's context: once handed off, cancelling the job
// must not kill the viewer.
func (l *Launcher) Handoff(plyPath string) (Result, error) {
	command := fmt.Sprintf("%s %s --with-viewer", l.displayBinary(), plyPath)

	if l.cfg.Binary == "" {
		l.logger.Info("no viewer configured, deferring", "command", command)
		return Result{Command: command}, nil
	}
	if _, err := exec.LookPath(l.cfg.Binary); err != nil {
		l.logger.Warn("viewer binary not found, deferring", "binary", l.cfg.Binary, "command", command)
		return Result{Command: command}, nil
	}

	cmd := exec.Command(l.cfg.Binary, plyPath, "--with-viewer")
	if err := cmd.Start(); err != nil {
		l.logger.Warn("viewer failed to start, deferring", "error", err)
		return Result{Command: command}, nil
	}
	// Reap in the background so a long viewer session never leaves a zombie.
	go cmd.Wait()

	l.logger.Info("viewer launched", "pid", cmd.Process.Pid, "model", plyPath)
	return Result{Launched: true, Command: command, PID: cmd.Process.Pid}, nil
}

func (l *Launcher) displayBinary() string {
	if l.cfg.Binary != "" {
		return l.cfg.Binary
	}
	return "brush_app"
}
