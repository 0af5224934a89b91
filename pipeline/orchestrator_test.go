package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hazyhaar/splatpipe/frames"
	"github.com/hazyhaar/splatpipe/stage"
	"github.com/hazyhaar/splatpipe/store"
	"github.com/hazyhaar/splatpipe/videogen"
	"github.com/hazyhaar/splatpipe/viewer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVideo implements VideoGenerator with a configurable poll sequence.
type fakeVideo struct {
	pollsUntilReady int
	optimize        func(context.Context, string) (string, error)
	submitErr       error
	onPoll          func(calls int)

	optimizeCalls, submitCalls, pollCalls, downloadCalls int
	submittedPrompt                                      string
}

func (f *fakeVideo) OptimizePrompt(ctx context.Context, prompt string) (string, error) {
	f.optimizeCalls++
	if f.optimize != nil {
		return f.optimize(ctx, prompt)
	}
	return "cinematic orbit: " + prompt, nil
}

func (f *fakeVideo) Submit(ctx context.Context, prompt string) (string, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submittedPrompt = prompt
	return "operations/gen-1", nil
}

func (f *fakeVideo) Poll(ctx context.Context, opName string) (videogen.PollResult, error) {
	f.pollCalls++
	if f.onPoll != nil {
		f.onPoll(f.pollCalls)
	}
	if f.pollCalls < f.pollsUntilReady {
		return videogen.PollResult{State: videogen.PollPending}, nil
	}
	return videogen.PollResult{State: videogen.PollReady, VideoURI: "https://files/video-1"}, nil
}

func (f *fakeVideo) Download(ctx context.Context, videoURI, dest string) error {
	f.downloadCalls++
	return os.WriteFile(dest, []byte("mp4-bytes"), 0o644)
}

// fakeExtractor writes n indexed frames into destDir.
type fakeExtractor struct {
	n     int
	err   error
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, videoPath, destDir string) (*frames.FrameSet, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	fs := &frames.FrameSet{Dir: destDir}
	for i := 0; i < f.n; i++ {
		path := store.FramePath(destDir, i)
		if err := os.WriteFile(path, []byte{0xff, 0xd8, byte(i)}, 0o644); err != nil {
			return nil, err
		}
		fs.Frames = append(fs.Frames, frames.Frame{Index: i, Path: path})
	}
	return fs, nil
}

// fakeRecon fails readiness failReady times, then reconstructs.
type fakeRecon struct {
	failReady int
	readyErr  error

	readyCalls, reconCalls int
	gotFrames              int
}

func (f *fakeRecon) CheckReady(ctx context.Context) error {
	f.readyCalls++
	if f.readyCalls <= f.failReady {
		if f.readyErr != nil {
			return f.readyErr
		}
		return stage.Errf(stage.KindUnavailable, "backend not ready")
	}
	return nil
}

func (f *fakeRecon) Reconstruct(ctx context.Context, fs *frames.FrameSet, dest string) error {
	f.reconCalls++
	f.gotFrames = len(fs.Frames)
	return os.WriteFile(dest, []byte("ply\nformat ascii 1.0\nend_header\n"), 0o644)
}

type fakeViewer struct {
	calls   int
	gotPath string
}

func (f *fakeViewer) Handoff(plyPath string) (viewer.Result, error) {
	f.calls++
	f.gotPath = plyPath
	return viewer.Result{Command: "brush_app " + plyPath + " --with-viewer"}, nil
}

type env struct {
	cfg   Config
	st    *store.Store
	video *fakeVideo
	ext   *fakeExtractor
	recon *fakeRecon
	view  *fakeViewer
	orch  *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Video.PollIntervalS = 0 // no wait between polls in tests
	cfg.Video.MaxPolls = 10
	cfg.Retry = RetryConfig{MaxAttempts: 3, BackoffS: 0.01, MaxBackoffS: 0.05, AttemptTimeoutS: 5}

	e := &env{
		cfg:   cfg,
		st:    st,
		video: &fakeVideo{pollsUntilReady: 3},
		ext:   &fakeExtractor{n: 5},
		recon: &fakeRecon{},
		view:  &fakeViewer{},
	}
	e.orch = New(cfg, st, nil, Deps{
		Video:  e.video,
		Frames: e.ext,
		Recon:  e.recon,
		Viewer: e.view,
		Logger: testLogger(),
	})
	return e
}

func TestRunHappyPath(t *testing.T) {
	e := newEnv(t)
	job, err := e.orch.NewJob("a red fox on a mossy rock")
	if err != nil {
		t.Fatal(err)
	}

	if err := e.orch.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Stage != StageDone || job.Status != StatusSucceeded {
		t.Fatalf("terminal state = %s/%s", job.Stage, job.Status)
	}
	if e.video.optimizeCalls != 1 || e.video.submitCalls != 1 || e.video.downloadCalls != 1 {
		t.Fatalf("video calls = opt %d submit %d download %d",
			e.video.optimizeCalls, e.video.submitCalls, e.video.downloadCalls)
	}
	if e.video.pollCalls != 3 {
		t.Fatalf("pollCalls = %d, want 3", e.video.pollCalls)
	}
	if !strings.HasPrefix(e.video.submittedPrompt, "cinematic orbit: ") {
		t.Fatalf("submitted prompt not optimized: %q", e.video.submittedPrompt)
	}
	if e.recon.gotFrames != 5 {
		t.Fatalf("reconstruction received %d frames, want 5", e.recon.gotFrames)
	}
	if e.view.calls != 1 || e.view.gotPath != e.st.PointCloudPath(job.ID) {
		t.Fatalf("viewer handoff = %d calls on %q", e.view.calls, e.view.gotPath)
	}
	if job.HandoffCommand == "" {
		t.Fatal("deferred handoff command not recorded")
	}

	for _, kind := range []store.Artifact{store.ArtifactVideo, store.ArtifactFrameSet, store.ArtifactPointCloud} {
		if err := e.st.VerifyArtifact(job.ID, kind, job.FrameCount); err != nil {
			t.Errorf("artifact %s failed verification: %v", kind, err)
		}
	}

	cp, err := e.st.LoadCheckpoint(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != string(StatusSucceeded) || cp.Stage != string(StageDone) {
		t.Fatalf("checkpoint = %s/%s", cp.Stage, cp.Status)
	}
}

func TestRunFailsWhenBackendStaysDown(t *testing.T) {
	e := newEnv(t)
	e.recon.failReady = 100 // never comes up

	job, err := e.orch.NewJob("a lighthouse at dusk")
	if err != nil {
		t.Fatal(err)
	}
	err = e.orch.Run(context.Background(), job)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if stage.KindOf(err) != stage.KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", stage.KindOf(err))
	}

	if job.Status != StatusFailed || job.Stage != StageReconstructing {
		t.Fatalf("terminal state = %s/%s", job.Stage, job.Status)
	}
	if e.recon.readyCalls != 3 {
		t.Fatalf("readyCalls = %d, want the attempt ceiling of 3", e.recon.readyCalls)
	}
	if e.recon.reconCalls != 0 {
		t.Fatal("reconstruct must not run against an unready backend")
	}

	// Upstream artifacts survive the failure for a later resume.
	if err := e.st.VerifyArtifact(job.ID, store.ArtifactVideo, 0); err != nil {
		t.Errorf("video artifact lost: %v", err)
	}
	if err := e.st.VerifyArtifact(job.ID, store.ArtifactFrameSet, job.FrameCount); err != nil {
		t.Errorf("frame set lost: %v", err)
	}

	cp, err := e.st.LoadCheckpoint(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Error == nil || cp.Error.Kind != string(stage.KindUnavailable) || cp.Error.Stage != string(StageReconstructing) {
		t.Fatalf("checkpoint error record = %+v", cp.Error)
	}
	if cp.Error.Attempt != 3 {
		t.Fatalf("recorded attempt = %d, want 3", cp.Error.Attempt)
	}
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	e := newEnv(t)
	e.recon.failReady = 100

	job, err := e.orch.NewJob("a canal in winter")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Run(context.Background(), job); err == nil {
		t.Fatal("expected initial run to fail")
	}

	// Backend is back; resume must not touch the generation API again.
	e.recon.failReady = 0
	resumed, err := e.orch.Resume(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Stage != StageReconstructing {
		t.Fatalf("resume entry stage = %s, want reconstructing", resumed.Stage)
	}

	before := *e.video
	if err := e.orch.Run(context.Background(), resumed); err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if resumed.Status != StatusSucceeded {
		t.Fatalf("status = %s", resumed.Status)
	}
	if e.video.submitCalls != before.submitCalls || e.video.pollCalls != before.pollCalls || e.video.downloadCalls != before.downloadCalls {
		t.Fatal("resume re-invoked the video generation client")
	}
	if e.ext.calls != 1 {
		t.Fatalf("extractor calls = %d, want 1", e.ext.calls)
	}
	if e.recon.gotFrames != 5 {
		t.Fatalf("reconstruction received %d frames after resume, want 5", e.recon.gotFrames)
	}
}

func TestResumeRedoesStageWithCorruptArtifact(t *testing.T) {
	e := newEnv(t)
	job, err := e.orch.NewJob("a paper boat in rain")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	// Corrupt the point cloud behind the checkpoint's back.
	if err := os.WriteFile(e.st.PointCloudPath(job.ID), []byte("not-a-ply"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The checkpoint still says succeeded; force it back to a resumable state
	// the way a crash between stages would leave it.
	cp, err := e.st.LoadCheckpoint(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	cp.Status = string(StatusFailed)
	if err := e.st.SaveCheckpoint(cp); err != nil {
		t.Fatal(err)
	}

	resumed, err := e.orch.Resume(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Stage != StageReconstructing {
		t.Fatalf("entry stage = %s, want reconstructing", resumed.Stage)
	}
	if _, ok := resumed.Artifacts[store.ArtifactPointCloud]; ok {
		t.Fatal("corrupt artifact entry must be cleared")
	}
	if _, serr := os.Stat(e.st.PointCloudPath(job.ID)); !os.IsNotExist(serr) {
		t.Fatal("corrupt artifact file must be removed")
	}

	reconBefore := e.recon.reconCalls
	if err := e.orch.Run(context.Background(), resumed); err != nil {
		t.Fatal(err)
	}
	if e.recon.reconCalls != reconBefore+1 {
		t.Fatal("reconstruction was not redone")
	}
	if err := e.st.VerifyArtifact(job.ID, store.ArtifactPointCloud, 0); err != nil {
		t.Fatalf("rebuilt point cloud invalid: %v", err)
	}
}

func TestResumeSucceededJobIsAlreadyDone(t *testing.T) {
	e := newEnv(t)
	job, err := e.orch.NewJob("a comet over dunes")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	before := *e.video
	resumed, err := e.orch.Resume(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Stage != StageDone || resumed.Status != StatusSucceeded {
		t.Fatalf("resumed state = %s/%s", resumed.Stage, resumed.Status)
	}
	if err := e.orch.Run(context.Background(), resumed); err != nil {
		t.Fatal(err)
	}
	if e.video.submitCalls != before.submitCalls || e.video.pollCalls != before.pollCalls {
		t.Fatal("re-running a succeeded job must not touch any client")
	}
}

func TestRunCancelledMidPoll(t *testing.T) {
	e := newEnv(t)
	e.cfg.Video.PollIntervalS = 30 // cancellation must win over the wait
	e.orch = New(e.cfg, e.st, nil, Deps{
		Video: e.video, Frames: e.ext, Recon: e.recon, Viewer: e.view, Logger: testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.video.pollsUntilReady = 100
	e.video.onPoll = func(calls int) {
		if calls == 1 {
			cancel()
		}
	}

	job, err := e.orch.NewJob("a storm rolling in")
	if err != nil {
		t.Fatal(err)
	}
	err = e.orch.Run(ctx, job)
	if err == nil {
		t.Fatal("expected cancellation")
	}
	if stage.KindOf(err) != stage.KindCancelled {
		t.Fatalf("kind = %s, want cancelled", stage.KindOf(err))
	}
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}

	cp, cerr := e.st.LoadCheckpoint(job.ID)
	if cerr != nil {
		t.Fatal(cerr)
	}
	if cp.Status != string(StatusCancelled) {
		t.Fatalf("checkpoint status = %s", cp.Status)
	}
}

func TestRunPollCeilingFailsJob(t *testing.T) {
	e := newEnv(t)
	e.cfg.Video.MaxPolls = 3
	e.orch = New(e.cfg, e.st, nil, Deps{
		Video: e.video, Frames: e.ext, Recon: e.recon, Viewer: e.view, Logger: testLogger(),
	})
	e.video.pollsUntilReady = 100 // never ready

	job, err := e.orch.NewJob("an endless render")
	if err != nil {
		t.Fatal(err)
	}
	err = e.orch.Run(context.Background(), job)
	if stage.KindOf(err) != stage.KindTimeout {
		t.Fatalf("kind = %s, want timeout", stage.KindOf(err))
	}
	if e.video.pollCalls != 3 {
		t.Fatalf("pollCalls = %d, want the ceiling of 3", e.video.pollCalls)
	}
	if job.Status != StatusFailed || job.Stage != StageGeneratingVideo {
		t.Fatalf("terminal state = %s/%s", job.Stage, job.Status)
	}
}

func TestOptimizerFailureIsNonFatal(t *testing.T) {
	e := newEnv(t)
	e.video.optimize = func(ctx context.Context, prompt string) (string, error) {
		return "", stage.Errf(stage.KindTransient, "optimizer down")
	}

	job, err := e.orch.NewJob("plain prompt survives")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	if e.video.submittedPrompt != "plain prompt survives" {
		t.Fatalf("submitted prompt = %q, want the original", e.video.submittedPrompt)
	}
}

func TestTruncateCutsOnRuneBoundary(t *testing.T) {
	prompt := strings.Repeat("é", 50) // two bytes per rune
	for n := 1; n < 12; n++ {
		got := truncate(prompt, n)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%d) produced invalid UTF-8: %q", n, got)
		}
		if !strings.HasSuffix(got, "…") {
			t.Fatalf("truncate(%d) = %q, want ellipsis suffix", n, got)
		}
	}
	if got := truncate("short", 80); got != "short" {
		t.Fatalf("short strings must pass through, got %q", got)
	}
}

func TestRunUpdatesJobIndex(t *testing.T) {
	e := newEnv(t)
	ix, err := store.OpenIndex(filepath.Join(e.st.Root(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	e.orch = New(e.cfg, e.st, ix, Deps{
		Video: e.video, Frames: e.ext, Recon: e.recon, Viewer: e.view, Logger: testLogger(),
	})

	job, err := e.orch.NewJob("indexed run")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	rec, err := ix.Get(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != string(StatusSucceeded) || rec.Stage != string(StageDone) {
		t.Fatalf("index row = %s/%s", rec.Stage, rec.Status)
	}
	if rec.Prompt != "indexed run" {
		t.Fatalf("index prompt = %q", rec.Prompt)
	}
}
