// Command splatpipe turns a text prompt into a 3D Gaussian Splatting scene:
// generate a video, sample keyframes, reconstruct a point cloud, hand off to
// a viewer. One job per invocation; interrupted jobs resume with --resume.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hazyhaar/splatpipe/frames"
	"github.com/hazyhaar/splatpipe/pipeline"
	"github.com/hazyhaar/splatpipe/recon"
	"github.com/hazyhaar/splatpipe/stage"
	"github.com/hazyhaar/splatpipe/statusd"
	"github.com/hazyhaar/splatpipe/store"
	"github.com/hazyhaar/splatpipe/videogen"
	"github.com/hazyhaar/splatpipe/viewer"
)

// Exit codes: 0 done, 1 failed, 2 usage or config error, 3 cancelled.
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		outDir     = flag.String("out", "", "data directory (overrides config data_dir)")
		resumeID   = flag.String("resume", "", "resume a checkpointed job by id")
		viewOnly   = flag.String("view-only", "", "relaunch the viewer for a finished job by id")
		listJobs   = flag.Bool("list", false, "list known jobs and exit")
		statusPort = flag.Int("status-port", 0, "serve a local status endpoint on this port (0 disables)")
		logFormat  = flag.String("log-format", "text", "log output: text or json")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Usage = usage
	flag.Parse()

	logger, err := buildLogger(*logFormat, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	slog.SetDefault(logger)

	cfg, err := pipeline.LoadConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return exitUsage
	}
	if *outDir != "" {
		cfg.DataDir = *outDir
	}
	cfg.Video.APIKey = os.Getenv("GEMINI_API_KEY")
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return exitUsage
	}

	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		logger.Error("data dir", "error", err)
		return exitUsage
	}
	index, err := store.OpenIndex(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		logger.Error("job index", "error", err)
		return exitUsage
	}
	defer index.Close()

	switch {
	case *listJobs:
		return printJobs(index)
	case *viewOnly != "":
		return relaunchViewer(cfg, st, *viewOnly, logger)
	}

	prompt := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if *resumeID == "" && prompt == "" {
		fmt.Fprintln(os.Stderr, "a prompt (or --resume JOB_ID) is required")
		usage()
		return exitUsage
	}
	if *resumeID != "" && prompt != "" {
		fmt.Fprintln(os.Stderr, "--resume and a prompt are mutually exclusive")
		return exitUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *statusPort > 0 {
		srv := statusd.New(index, *statusPort, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Warn("status endpoint stopped", "error", err)
			}
		}()
	}

	orch := pipeline.New(cfg, st, index, pipeline.Deps{
		Video: videogen.New(videogen.Config{
			BaseURL:         cfg.Video.BaseURL,
			APIKey:          cfg.Video.APIKey,
			Model:           cfg.Video.Model,
			OptimizerModel:  cfg.Video.OptimizerModel,
			AspectRatio:     cfg.Video.AspectRatio,
			DurationSeconds: cfg.Video.DurationSeconds,
			Logger:          logger,
		}),
		Frames: frames.New(frames.Config{
			Policy:      cfg.SamplingPolicy(),
			FFmpegPath:  cfg.Frames.FFmpegPath,
			FFprobePath: cfg.Frames.FFprobePath,
			Parallelism: cfg.Frames.Parallelism,
			Logger:      logger,
		}),
		Recon: recon.New(recon.Config{
			BaseURL:       cfg.Recon.BaseURL,
			UploadTimeout: time.Duration(cfg.Recon.UploadTimeoutS) * time.Second,
			Logger:        logger,
		}),
		Viewer: viewer.New(viewer.Config{
			Binary: cfg.Viewer.Binary,
			Logger: logger,
		}),
		Logger: logger,
	})

	var job *pipeline.Job
	if *resumeID != "" {
		job, err = orch.Resume(*resumeID)
		if err != nil {
			logger.Error("resume", "job", *resumeID, "error", err)
			return exitUsage
		}
	} else {
		job, err = orch.NewJob(prompt)
		if err != nil {
			logger.Error("create job", "error", err)
			return exitFailed
		}
	}

	err = orch.Run(ctx, job)
	switch {
	case err == nil:
		fmt.Printf("job %s done: %s\n", job.ID, st.PointCloudPath(job.ID))
		if job.HandoffCommand != "" {
			fmt.Printf("view it with:\n  %s\n", job.HandoffCommand)
		}
		return exitOK
	case stage.IsCancelled(err):
		fmt.Fprintf(os.Stderr, "job %s interrupted; resume with:\n  splatpipe --resume %s\n", job.ID, job.ID)
		return exitCancelled
	default:
		fmt.Fprintf(os.Stderr, "job %s failed: %v\nresume with:\n  splatpipe --resume %s\n", job.ID, err, job.ID)
		return exitFailed
	}
}

func buildLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func printJobs(index *store.Index) int {
	recs, err := index.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list jobs:", err)
		return exitFailed
	}
	if len(recs) == 0 {
		fmt.Println("no jobs")
		return exitOK
	}
	for _, rec := range recs {
		line := fmt.Sprintf("%s  %-10s %-18s %s", rec.ID, rec.Status, rec.Stage, rec.Prompt)
		if rec.Error != "" {
			line += "  [" + rec.Error + "]"
		}
		fmt.Println(line)
	}
	return exitOK
}

// relaunchViewer re-runs only the handoff for a job whose point cloud
// already exists.
func relaunchViewer(cfg pipeline.Config, st *store.Store, id string, logger *slog.Logger) int {
	if err := st.VerifyArtifact(id, store.ArtifactPointCloud, 0); err != nil {
		logger.Error("point cloud not viewable", "job", id, "error", err)
		return exitUsage
	}
	res, err := viewer.New(viewer.Config{Binary: cfg.Viewer.Binary, Logger: logger}).Handoff(st.PointCloudPath(id))
	if err != nil {
		logger.Error("viewer handoff", "error", err)
		return exitFailed
	}
	if !res.Launched {
		fmt.Printf("view it with:\n  %s\n", res.Command)
	}
	return exitOK
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: splatpipe [flags] "PROMPT"
       splatpipe --resume JOB_ID
       splatpipe --view-only JOB_ID
       splatpipe --list

Requires GEMINI_API_KEY in the environment for video generation.

`)
	flag.PrintDefaults()
}
