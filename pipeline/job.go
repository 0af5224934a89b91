// Package pipeline owns the job state machine and the orchestrator that
// drives a prompt through video generation, frame extraction, 3D
// reconstruction, and the viewer handoff.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hazyhaar/splatpipe/store"
)

// Stage is a position in the ordered pipeline. Stages only advance forward;
// the single exception is resume forcing redo of a stage whose artifact
// failed its integrity check.
type Stage string

const (
	StageInit             Stage = "init"
	StageGeneratingVideo  Stage = "generating_video"
	StageExtractingFrames Stage = "extracting_frames"
	StageReconstructing   Stage = "reconstructing"
	StageViewing          Stage = "viewing"
	StageDone             Stage = "done"
)

// stageOrder is the canonical forward sequence.
var stageOrder = []Stage{
	StageInit,
	StageGeneratingVideo,
	StageExtractingFrames,
	StageReconstructing,
	StageViewing,
	StageDone,
}

// stageArtifact maps each producing stage to the single artifact kind it is
// allowed to write.
var stageArtifact = map[Stage]store.Artifact{
	StageGeneratingVideo:  store.ArtifactVideo,
	StageExtractingFrames: store.ArtifactFrameSet,
	StageReconstructing:   store.ArtifactPointCloud,
}

// Index returns the stage's position in the forward sequence, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) valid() bool { return s.Index() >= 0 }

// next returns the following stage; ok is false at the end of the sequence.
func (s Stage) next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return s, false
	}
	return stageOrder[i+1], true
}

// Status is the job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one end-to-end run. The orchestrator is its exclusive owner; no
// other component retains job state across calls.
type Job struct {
	ID      string
	Prompt  string
	Stage   Stage
	Status  Status
	// Attempts counts stage-runner attempts per stage; a stage's counter
	// resets implicitly by never being touched again after advancing.
	Attempts  map[Stage]int
	Artifacts map[store.Artifact]string
	// FrameCount is recorded when the frame set is produced, so resume can
	// verify the artifact without re-deriving the sampling policy.
	FrameCount int
	LastFault  *store.FaultRecord
	// HandoffCommand is the deferred viewer invocation, empty when the
	// viewer was launched directly.
	HandoffCommand string
	CreatedAt      time.Time
}

// NewJob creates a pending job with a time-ordered id.
func NewJob(prompt string) *Job {
	return &Job{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Prompt:    prompt,
		Stage:     StageInit,
		Status:    StatusPending,
		Attempts:  make(map[Stage]int),
		Artifacts: make(map[store.Artifact]string),
		CreatedAt: time.Now().UTC(),
	}
}

// advance moves the job one stage forward.
func (j *Job) advance() error {
	next, ok := j.Stage.next()
	if !ok {
		return fmt.Errorf("job %s cannot advance past %s", j.ID, j.Stage)
	}
	j.Stage = next
	return nil
}

// setArtifact records an artifact location. Entries are write-once per kind,
// and a stage may only write the kind it owns.
func (j *Job) setArtifact(owner Stage, kind store.Artifact, location string) error {
	if stageArtifact[owner] != kind {
		return fmt.Errorf("stage %s may not write artifact %s", owner, kind)
	}
	if existing, ok := j.Artifacts[kind]; ok {
		return fmt.Errorf("artifact %s already recorded at %s", kind, existing)
	}
	j.Artifacts[kind] = location
	return nil
}

// clearArtifact drops an artifact entry so its stage can be redone after a
// failed integrity check on resume.
func (j *Job) clearArtifact(kind store.Artifact) {
	delete(j.Artifacts, kind)
}

// checkpoint snapshots the job for the artifact store.
func (j *Job) checkpoint() *store.Checkpoint {
	attempts := make(map[string]int, len(j.Attempts))
	for s, n := range j.Attempts {
		attempts[string(s)] = n
	}
	artifacts := make(map[store.Artifact]string, len(j.Artifacts))
	for k, v := range j.Artifacts {
		artifacts[k] = v
	}
	return &store.Checkpoint{
		JobID:      j.ID,
		Prompt:     j.Prompt,
		Stage:      string(j.Stage),
		Status:     string(j.Status),
		Attempts:   attempts,
		Artifacts:  artifacts,
		FrameCount: j.FrameCount,
		Error:      j.LastFault,
		CreatedAt:  j.CreatedAt,
	}
}

// jobFromCheckpoint rebuilds the in-memory job from its persisted snapshot.
func jobFromCheckpoint(cp *store.Checkpoint) (*Job, error) {
	s := Stage(cp.Stage)
	if !s.valid() {
		return nil, fmt.Errorf("checkpoint for %s names unknown stage %q", cp.JobID, cp.Stage)
	}
	j := &Job{
		ID:         cp.JobID,
		Prompt:     cp.Prompt,
		Stage:      s,
		Status:     Status(cp.Status),
		Attempts:   make(map[Stage]int, len(cp.Attempts)),
		Artifacts:  make(map[store.Artifact]string, len(cp.Artifacts)),
		FrameCount: cp.FrameCount,
		LastFault:  cp.Error,
		CreatedAt:  cp.CreatedAt,
	}
	for name, n := range cp.Attempts {
		j.Attempts[Stage(name)] = n
	}
	for k, v := range cp.Artifacts {
		j.Artifacts[k] = v
	}
	return j, nil
}

// record converts the job into its index row.
func (j *Job) record() store.JobRecord {
	rec := store.JobRecord{
		ID:        j.ID,
		Prompt:    j.Prompt,
		Stage:     string(j.Stage),
		Status:    string(j.Status),
		CreatedAt: j.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if j.LastFault != nil {
		rec.Error = fmt.Sprintf("%s: %s", j.LastFault.Kind, j.LastFault.Message)
	}
	return rec
}
