package pipeline

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/splatpipe/frames"
	"github.com/hazyhaar/splatpipe/stage"
	"github.com/hazyhaar/splatpipe/store"
	"github.com/hazyhaar/splatpipe/videogen"
	"github.com/hazyhaar/splatpipe/viewer"
)

// VideoGenerator produces the video artifact via submit/poll/download.
type VideoGenerator interface {
	OptimizePrompt(ctx context.Context, prompt string) (string, error)
	Submit(ctx context.Context, prompt string) (string, error)
	Poll(ctx context.Context, opName string) (videogen.PollResult, error)
	Download(ctx context.Context, videoURI, dest string) error
}

// FrameExtractor samples keyframes out of the video artifact.
type FrameExtractor interface {
	Extract(ctx context.Context, videoPath, destDir string) (*frames.FrameSet, error)
}

// Reconstructor turns a frame set into the point-cloud artifact.
type Reconstructor interface {
	CheckReady(ctx context.Context) error
	Reconstruct(ctx context.Context, fs *frames.FrameSet, dest string) error
}

// ViewerLauncher performs the terminal handoff.
type ViewerLauncher interface {
	Handoff(plyPath string) (viewer.Result, error)
}

// Deps are the orchestrator's stage collaborators. All are required except
// Report.
type Deps struct {
	Video  VideoGenerator
	Frames FrameExtractor
	Recon  Reconstructor
	Viewer ViewerLauncher
	Logger *slog.Logger
	// Report additionally receives every stage progress event.
	Report stage.Reporter
}

// Orchestrator drives one job at a time through the stage sequence. It is
// the single writer of job state; stage clients hold none.
type Orchestrator struct {
	cfg    Config
	st     *store.Store
	index  *store.Index // optional
	deps   Deps
	logger *slog.Logger
}

// New creates an Orchestrator. index may be nil when no shared registry is
// wanted (tests, one-shot runs on a scratch dir).
func New(cfg Config, st *store.Store, index *store.Index, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, st: st, index: index, deps: deps, logger: deps.Logger}
}

// NewJob registers a fresh job for a prompt: working directory, first
// checkpoint, index row.
func (o *Orchestrator) NewJob(prompt string) (*Job, error) {
	job := NewJob(prompt)
	if err := o.st.EnsureJob(job.ID); err != nil {
		return nil, err
	}
	if err := o.persist(job); err != nil {
		return nil, err
	}
	o.logger.Info("job created", "job", job.ID, "prompt", truncate(prompt, 80))
	return job, nil
}

// Run drives the job from its current stage to a terminal state. The
// returned error is nil only when the job reached Done.
func (o *Orchestrator) Run(ctx context.Context, job *Job) error {
	if job.Stage == StageDone {
		return nil
	}
	job.Status = StatusRunning
	job.LastFault = nil
	if err := o.persist(job); err != nil {
		return err
	}

	for job.Stage != StageDone {
		if err := ctx.Err(); err != nil {
			return o.finishCancelled(job, stage.Wrap(stage.KindCancelled, err, "pipeline interrupted"))
		}

		var err error
		switch job.Stage {
		case StageInit:
			// Nothing to produce; the stage exists so a checkpoint written
			// before any work has a well-defined position.
		case StageGeneratingVideo:
			err = o.runGeneration(ctx, job)
		case StageExtractingFrames:
			err = o.runExtraction(ctx, job)
		case StageReconstructing:
			err = o.runReconstruction(ctx, job)
		case StageViewing:
			o.runViewing(job)
		default:
			err = stage.Errf(stage.KindInternal, "job %s in unknown stage %s", job.ID, job.Stage)
		}

		if err != nil {
			if stage.IsCancelled(err) {
				return o.finishCancelled(job, err)
			}
			return o.finishFailed(job, err)
		}

		if aerr := job.advance(); aerr != nil {
			return o.finishFailed(job, stage.Wrap(stage.KindInternal, aerr, "advance stage"))
		}
		if job.Stage == StageDone {
			job.Status = StatusSucceeded
		}
		if perr := o.persist(job); perr != nil {
			return perr
		}
	}

	o.logger.Info("job done", "job", job.ID)
	return nil
}

// Resume reloads a checkpointed job, verifies its artifacts, and positions
// it at the earliest stage whose output is missing or corrupt. The caller
// then passes the job to Run. A job that already succeeded comes back in
// StageDone and Run returns immediately.
func (o *Orchestrator) Resume(id string) (*Job, error) {
	cp, err := o.st.LoadCheckpoint(id)
	if err != nil {
		return nil, err
	}
	job, err := jobFromCheckpoint(cp)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusSucceeded {
		o.logger.Info("job already succeeded", "job", job.ID)
		return job, nil
	}

	entry := StageViewing
	for _, s := range []Stage{StageGeneratingVideo, StageExtractingFrames, StageReconstructing} {
		kind := stageArtifact[s]
		loc, recorded := job.Artifacts[kind]
		if !recorded {
			entry = s
			break
		}
		if verr := o.st.VerifyArtifact(job.ID, kind, job.FrameCount); verr != nil {
			o.logger.Warn("artifact failed integrity check, redoing stage",
				"job", job.ID, "artifact", string(kind), "location", loc, "error", verr)
			if rerr := o.st.RemoveArtifact(job.ID, kind); rerr != nil {
				return nil, rerr
			}
			job.clearArtifact(kind)
			if kind == store.ArtifactFrameSet {
				job.FrameCount = 0
			}
			entry = s
			break
		}
	}

	job.Stage = entry
	job.Status = StatusPending
	job.LastFault = nil
	o.logger.Info("job resumed", "job", job.ID, "stage", string(job.Stage))
	return job, nil
}

// runGeneration performs the submit/poll/download sequence. The retry
// policy applies to submission, to each poll, and to the download, never to
// the overall generation wait; that is bounded by the poll ceiling.
func (o *Orchestrator) runGeneration(ctx context.Context, job *Job) error {
	r := o.newRunner(job)

	prompt := job.Prompt
	if o.cfg.Video.OptimizePrompt {
		optCtx, cancel := context.WithTimeout(ctx, time.Minute)
		rewritten, err := o.deps.Video.OptimizePrompt(optCtx, prompt)
		cancel()
		switch {
		case err != nil && stage.IsCancelled(err):
			return err
		case err != nil:
			// Best-effort rewrite; the raw prompt still generates.
			o.logger.Warn("prompt optimization failed, using original", "job", job.ID, "error", err)
		default:
			o.logger.Info("prompt optimized", "job", job.ID, "prompt", truncate(rewritten, 80))
			prompt = rewritten
		}
	}

	var opName string
	err := r.Run(ctx, "submit_generation", func(ctx context.Context) error {
		var serr error
		opName, serr = o.deps.Video.Submit(ctx, prompt)
		return serr
	})
	if err != nil {
		return err
	}

	interval := o.cfg.PollInterval()
	var videoURI string
	for poll := 1; ; poll++ {
		if poll > o.cfg.Video.MaxPolls {
			return stage.Errf(stage.KindTimeout,
				"video not ready after %d polls", o.cfg.Video.MaxPolls)
		}

		var res videogen.PollResult
		err := r.Run(ctx, "poll_generation", func(ctx context.Context) error {
			var perr error
			res, perr = o.deps.Video.Poll(ctx, opName)
			return perr
		})
		if err != nil {
			return err
		}
		if res.State == videogen.PollReady {
			videoURI = res.VideoURI
			break
		}

		o.logger.Debug("video still generating", "job", job.ID, "poll", poll)
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return stage.Wrap(stage.KindCancelled, ctx.Err(), "generation wait interrupted")
		}
	}

	dest := o.st.VideoPath(job.ID)
	err = r.Run(ctx, "download_video", func(ctx context.Context) error {
		return o.deps.Video.Download(ctx, videoURI, dest)
	})
	if err != nil {
		return err
	}
	if err := job.setArtifact(StageGeneratingVideo, store.ArtifactVideo, dest); err != nil {
		return stage.Wrap(stage.KindInternal, err, "record video artifact")
	}
	return nil
}

func (o *Orchestrator) runExtraction(ctx context.Context, job *Job) error {
	r := o.newRunner(job)

	videoPath, ok := job.Artifacts[store.ArtifactVideo]
	if !ok {
		return stage.Errf(stage.KindInternal, "job %s has no video artifact to extract from", job.ID)
	}
	destDir := o.st.FramesDir(job.ID)

	var fs *frames.FrameSet
	err := r.Run(ctx, "extract_frames", func(ctx context.Context) error {
		var xerr error
		fs, xerr = o.deps.Frames.Extract(ctx, videoPath, destDir)
		return xerr
	})
	if err != nil {
		return err
	}

	job.FrameCount = len(fs.Frames)
	if err := job.setArtifact(StageExtractingFrames, store.ArtifactFrameSet, destDir); err != nil {
		return stage.Wrap(stage.KindInternal, err, "record frame set artifact")
	}
	o.logger.Info("frames extracted", "job", job.ID, "count", job.FrameCount)
	return nil
}

// runReconstruction probes readiness and uploads inside one retried unit, so
// a backend that dies between the probe and the upload is retried whole.
func (o *Orchestrator) runReconstruction(ctx context.Context, job *Job) error {
	r := o.newRunner(job)

	fs, err := o.loadFrameSet(job)
	if err != nil {
		return err
	}
	dest := o.st.PointCloudPath(job.ID)

	err = r.Run(ctx, "reconstruct", func(ctx context.Context) error {
		if rerr := o.deps.Recon.CheckReady(ctx); rerr != nil {
			return rerr
		}
		return o.deps.Recon.Reconstruct(ctx, fs, dest)
	})
	if err != nil {
		return err
	}
	if err := job.setArtifact(StageReconstructing, store.ArtifactPointCloud, dest); err != nil {
		return stage.Wrap(stage.KindInternal, err, "record point cloud artifact")
	}
	return nil
}

// runViewing never fails the job: reconstruction success is the pipeline's
// terminal success condition, the handoff is best-effort.
func (o *Orchestrator) runViewing(job *Job) {
	plyPath, ok := job.Artifacts[store.ArtifactPointCloud]
	if !ok {
		plyPath = o.st.PointCloudPath(job.ID)
	}
	res, err := o.deps.Viewer.Handoff(plyPath)
	if err != nil {
		o.logger.Warn("viewer handoff error", "job", job.ID, "error", err)
		return
	}
	if !res.Launched {
		job.HandoffCommand = res.Command
	}
}

// loadFrameSet rebuilds the frame set from disk, so fresh runs and resumed
// runs feed reconstruction through the same path. Frame names are indexed,
// so lexical directory order is upload order.
func (o *Orchestrator) loadFrameSet(job *Job) (*frames.FrameSet, error) {
	dir, ok := job.Artifacts[store.ArtifactFrameSet]
	if !ok {
		return nil, stage.Errf(stage.KindInternal, "job %s has no frame set artifact", job.ID)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, stage.Wrap(stage.KindInternal, err, "read frames dir")
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) != job.FrameCount {
		return nil, stage.Errf(stage.KindInternal,
			"frame set holds %d frames, checkpoint records %d", len(names), job.FrameCount)
	}

	fs := &frames.FrameSet{Dir: dir}
	for i := range names {
		fs.Frames = append(fs.Frames, frames.Frame{Index: i, Path: store.FramePath(dir, i)})
	}
	return fs, nil
}

// newRunner builds a stage runner whose events keep the job's attempt
// counters and the index row current.
func (o *Orchestrator) newRunner(job *Job) *stage.Runner {
	r := o.cfg.runner()
	r.Logger = o.logger
	r.Report = func(ev stage.Event) {
		switch ev.Phase {
		case stage.PhaseAttempt:
			job.Attempts[job.Stage] = ev.Attempt
			job.Status = StatusRunning
		case stage.PhaseRetry:
			job.Status = StatusRetrying
			o.upsertIndex(job)
		}
		if o.deps.Report != nil {
			o.deps.Report(ev)
		}
	}
	return &r
}

func (o *Orchestrator) finishFailed(job *Job, err error) error {
	f := stage.AsFault(err)
	job.Status = StatusFailed
	job.LastFault = &store.FaultRecord{
		Stage:   string(job.Stage),
		Kind:    string(f.Kind),
		Message: f.Message,
		Attempt: job.Attempts[job.Stage],
	}
	if perr := o.persist(job); perr != nil {
		o.logger.Error("failed to persist terminal state", "job", job.ID, "error", perr)
	}
	o.logger.Error("job failed", "job", job.ID, "stage", string(job.Stage), "kind", string(f.Kind), "error", f.Message)
	return f
}

func (o *Orchestrator) finishCancelled(job *Job, err error) error {
	f := stage.AsFault(err)
	job.Status = StatusCancelled
	job.LastFault = &store.FaultRecord{
		Stage:   string(job.Stage),
		Kind:    string(stage.KindCancelled),
		Message: f.Message,
		Attempt: job.Attempts[job.Stage],
	}
	if perr := o.persist(job); perr != nil {
		o.logger.Error("failed to persist terminal state", "job", job.ID, "error", perr)
	}
	o.logger.Info("job cancelled", "job", job.ID, "stage", string(job.Stage))
	return f
}

// persist writes the checkpoint and refreshes the index row. The checkpoint
// is authoritative; an index failure is logged, not fatal.
func (o *Orchestrator) persist(job *Job) error {
	if err := o.st.SaveCheckpoint(job.checkpoint()); err != nil {
		return stage.Wrap(stage.KindInternal, err, "save checkpoint")
	}
	o.upsertIndex(job)
	return nil
}

func (o *Orchestrator) upsertIndex(job *Job) {
	if o.index == nil {
		return
	}
	if err := o.index.Upsert(job.record()); err != nil {
		o.logger.Warn("job index update failed", "job", job.ID, "error", err)
	}
}

// truncate shortens s to at most n bytes, cutting on a rune boundary so the
// logged prompt stays valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
