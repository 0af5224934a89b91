// Package recon uploads an ordered frame set to the reconstruction server
// and streams back the point-cloud artifact. The backing server is deployed
// separately and may be cold-starting, so readiness is probed cheaply
// before committing to a large upload.
package recon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/splatpipe/frames"
	"github.com/hazyhaar/splatpipe/stage"
	"github.com/hazyhaar/splatpipe/store"
)

// uploadField is the multipart form field the server reads images from.
const uploadField = "images"

// Config configures the reconstruction client.
type Config struct {
	BaseURL       string        // default http://localhost:8888
	ProbeTimeout  time.Duration // liveness probe deadline, default 3s
	UploadTimeout time.Duration // whole-upload deadline, default 10m
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8888"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client talks to the reconstruction server.
type Client struct {
	cfg    Config
	probe  *http.Client
	upload *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		probe:  &http.Client{Timeout: cfg.ProbeTimeout},
		upload: &http.Client{Timeout: cfg.UploadTimeout},
		logger: cfg.Logger,
	}
}

// CheckReady probes the server's liveness endpoint. An unreachable or
// unhealthy server is a retryable condition, not a hard failure: the
// backend may still be cold-starting.
func (c *Client) CheckReady(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return stage.Wrap(stage.KindInternal, err, "build health request")
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		if kind := stage.ClassifyNetErr(err); kind == stage.KindCancelled {
			return stage.Wrap(kind, err, "health probe interrupted")
		}
		return stage.Wrap(stage.KindUnavailable, err, "reconstruction backend not ready")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 256))

	if resp.StatusCode != http.StatusOK {
		return stage.Errf(stage.KindUnavailable,
			"reconstruction backend not ready (health returned HTTP %d)", resp.StatusCode)
	}
	return nil
}

// Reconstruct uploads every frame of fs, in order, as one multipart request
// and writes the returned point cloud to dest atomically.
func (c *Client) Reconstruct(ctx context.Context, fs *frames.FrameSet, dest string) error {
	if fs == nil || len(fs.Frames) == 0 {
		return stage.Errf(stage.KindBadRequest, "no frames to reconstruct")
	}

	// Stream the multipart body straight off disk; frame sets can be large.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFrames(mw, fs))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/reconstruction", pr)
	if err != nil {
		return stage.Wrap(stage.KindInternal, err, "build reconstruction request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Info("uploading frames for reconstruction", "count", len(fs.Frames), "url", c.cfg.BaseURL)

	resp, err := c.upload.Do(req)
	if err != nil {
		return stage.Wrap(stage.ClassifyNetErr(err), err, "reconstruction upload")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := stage.ClassifyStatus(resp.StatusCode)
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		if kind == stage.KindBadRequest {
			return stage.Errf(kind, "reconstruction rejected the frame set: %s", msg)
		}
		return stage.Errf(kind, "reconstruction server error (HTTP %d): %s", resp.StatusCode, msg)
	}

	n, err := store.AtomicWrite(dest, resp.Body)
	if errors.Is(err, store.ErrEmptyWrite) {
		return stage.Errf(stage.KindTransient, "reconstruction returned an empty point cloud")
	}
	if err != nil {
		return stage.Wrap(stage.KindTransient, err, "point cloud transfer interrupted")
	}

	c.logger.Info("point cloud received", "dest", dest, "bytes", n)
	return nil
}

// writeFrames appends each frame as a part under the fixed field name,
// preserving set order end-to-end.
func writeFrames(mw *multipart.Writer, fs *frames.FrameSet) error {
	for _, frame := range fs.Frames {
		part, err := mw.CreateFormFile(uploadField, filepath.Base(frame.Path))
		if err != nil {
			return fmt.Errorf("create part %d: %w", frame.Index, err)
		}
		f, err := os.Open(frame.Path)
		if err != nil {
			return fmt.Errorf("open frame %d: %w", frame.Index, err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("stream frame %d: %w", frame.Index, err)
		}
	}
	return mw.Close()
}
