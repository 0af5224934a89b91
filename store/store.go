// Package store owns the persisted bytes of a pipeline run: one working
// directory per job id, the artifacts written into it, the checkpoint
// record, and a shared sqlite index of known jobs.
//
// Layout under the data dir:
//
//	jobs.db                    shared job index
//	<job-id>/checkpoint.json   authoritative resume record
//	<job-id>/video.mp4         Video artifact
//	<job-id>/frames/000.jpg …  FrameSet artifact, index order
//	<job-id>/model.ply         PointCloud artifact
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Artifact names one of the three artifact kinds a job produces.
type Artifact string

const (
	ArtifactVideo      Artifact = "video"
	ArtifactFrameSet   Artifact = "frameset"
	ArtifactPointCloud Artifact = "pointcloud"
)

const (
	videoFile      = "video.mp4"
	framesDirName  = "frames"
	pointCloudFile = "model.ply"
	checkpointFile = "checkpoint.json"
)

// plyMagic is the leading bytes of every PLY file, ASCII or binary.
var plyMagic = []byte("ply")

// Store manages per-job working directories under a single root.
// Jobs partition by id, so concurrent orchestrators need no locking.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates the root directory if needed and returns a Store.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// JobDir returns the working directory for a job id.
func (s *Store) JobDir(id string) string { return filepath.Join(s.root, id) }

// EnsureJob creates the job's working directory.
func (s *Store) EnsureJob(id string) error {
	if err := os.MkdirAll(s.JobDir(id), 0o755); err != nil {
		return fmt.Errorf("mkdir job dir: %w", err)
	}
	return nil
}

// VideoPath returns the final location of the Video artifact.
func (s *Store) VideoPath(id string) string {
	return filepath.Join(s.JobDir(id), videoFile)
}

// FramesDir returns the directory holding the FrameSet artifact.
func (s *Store) FramesDir(id string) string {
	return filepath.Join(s.JobDir(id), framesDirName)
}

// PointCloudPath returns the final location of the PointCloud artifact.
func (s *Store) PointCloudPath(id string) string {
	return filepath.Join(s.JobDir(id), pointCloudFile)
}

// ArtifactPath maps an artifact kind to its stable location for a job.
func (s *Store) ArtifactPath(id string, kind Artifact) string {
	switch kind {
	case ArtifactVideo:
		return s.VideoPath(id)
	case ArtifactFrameSet:
		return s.FramesDir(id)
	case ArtifactPointCloud:
		return s.PointCloudPath(id)
	}
	return ""
}

// ErrEmptyWrite marks a zero-byte stream offered to AtomicWrite.
var ErrEmptyWrite = errors.New("refusing to write empty artifact")

// AtomicWrite streams r to path via a temp file and rename, so a crashed
// transfer never leaves a partial artifact at the final location. Zero-byte
// streams are rejected before the rename: an empty file must never occupy
// an artifact's final path.
func AtomicWrite(path string, r io.Reader) (int64, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("write %s: %w", tmp, err)
	}
	if n == 0 {
		os.Remove(tmp)
		return 0, fmt.Errorf("%s: %w", path, ErrEmptyWrite)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return n, nil
}

// VerifyArtifact runs the lightweight integrity check used on resume:
// non-zero size and expected file type. frameCount is the checkpointed
// frame count, consulted for ArtifactFrameSet only.
func (s *Store) VerifyArtifact(id string, kind Artifact, frameCount int) error {
	switch kind {
	case ArtifactVideo:
		return verifyNonEmpty(s.VideoPath(id))
	case ArtifactPointCloud:
		return s.verifyPointCloud(id)
	case ArtifactFrameSet:
		return s.verifyFrames(id, frameCount)
	}
	return fmt.Errorf("unknown artifact kind %q", kind)
}

func (s *Store) verifyPointCloud(id string) error {
	path := s.PointCloudPath(id)
	if err := verifyNonEmpty(path); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, len(plyMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !bytes.Equal(head, plyMagic) {
		return fmt.Errorf("%s: not a PLY file", path)
	}
	return nil
}

func (s *Store) verifyFrames(id string, frameCount int) error {
	if frameCount <= 0 {
		return fmt.Errorf("frame set for %s has no recorded count", id)
	}
	for i := 0; i < frameCount; i++ {
		if err := verifyNonEmpty(FramePath(s.FramesDir(id), i)); err != nil {
			return err
		}
	}
	return nil
}

// FramePath returns the stable path of frame i inside a frames directory.
// Frames are named by index so lexical order equals timestamp order.
func FramePath(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%03d.jpg", i))
}

func verifyNonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s: empty file", path)
	}
	return nil
}

// RemoveArtifact deletes an artifact so its stage can be redone after a
// failed integrity check.
func (s *Store) RemoveArtifact(id string, kind Artifact) error {
	path := s.ArtifactPath(id, kind)
	if path == "" {
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Checkpoint is the serialized snapshot of a job, written after every
// successful stage transition and after every terminal failure. It is the
// only record consulted on resume.
type Checkpoint struct {
	JobID      string              `json:"job_id"`
	Prompt     string              `json:"prompt"`
	Stage      string              `json:"stage"`
	Status     string              `json:"status"`
	Attempts   map[string]int      `json:"attempts,omitempty"`
	Artifacts  map[Artifact]string `json:"artifacts,omitempty"`
	FrameCount int                 `json:"frame_count,omitempty"`
	Error      *FaultRecord        `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// FaultRecord captures enough failure context for a human-driven resume.
type FaultRecord struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// SaveCheckpoint atomically writes the checkpoint record for cp.JobID.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	path := filepath.Join(s.JobDir(cp.JobID), checkpointFile)
	if _, err := AtomicWrite(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved", "job", cp.JobID, "stage", cp.Stage, "status", cp.Status)
	return nil
}

// LoadCheckpoint reads the checkpoint record for a job id.
func (s *Store) LoadCheckpoint(id string) (*Checkpoint, error) {
	path := filepath.Join(s.JobDir(id), checkpointFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if cp.JobID != id {
		return nil, fmt.Errorf("checkpoint %s belongs to job %s", path, cp.JobID)
	}
	return &cp, nil
}
