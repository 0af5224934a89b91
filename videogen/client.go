// Package videogen talks to the text-to-video generation API. Generation is
// the highest-latency stage of the pipeline, so the client is strictly
// submit-then-poll: no call here blocks for the full generation duration,
// and the stage runner's retry policy applies to submission and to
// individual polls, never to the overall wait.
package videogen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/splatpipe/stage"
	"github.com/hazyhaar/splatpipe/store"
)

// Config configures the video generation client.
type Config struct {
	BaseURL         string // API base, default https://generativelanguage.googleapis.com/v1beta
	APIKey          string // required; read from GEMINI_API_KEY by the caller
	Model           string // video model id, default veo-2.0-generate-001
	OptimizerModel  string // text model for prompt rewriting
	AspectRatio     string // default 16:9
	DurationSeconds int    // default 5
	HTTPTimeout     time.Duration
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.Model == "" {
		c.Model = "veo-2.0-generate-001"
	}
	if c.OptimizerModel == "" {
		c.OptimizerModel = "gemini-2.5-flash"
	}
	if c.AspectRatio == "" {
		c.AspectRatio = "16:9"
	}
	if c.DurationSeconds <= 0 {
		c.DurationSeconds = 5
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is the video generation API client.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: cfg.Logger,
	}
}

// PollState is the three-state outcome of one poll.
type PollState string

const (
	PollPending PollState = "pending"
	PollReady   PollState = "ready"
)

// PollResult carries the state of a generation operation and, when ready,
// the downloadable video location.
type PollResult struct {
	State    PollState
	VideoURI string
}

// Submit sends the generation request and returns the opaque operation name
// used for polling.
func (c *Client) Submit(ctx context.Context, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", stage.Errf(stage.KindAuth, "missing API key: set GEMINI_API_KEY")
	}

	body := generateRequest{
		Instances: []instance{{Prompt: prompt}},
		Parameters: parameters{
			PersonGeneration: "allow_all",
			AspectRatio:      c.cfg.AspectRatio,
			SampleCount:      1,
			DurationSeconds:  c.cfg.DurationSeconds,
		},
	}
	url := fmt.Sprintf("%s/models/%s:predictLongRunning?key=%s", c.cfg.BaseURL, c.cfg.Model, c.cfg.APIKey)

	var op operation
	if err := c.postJSON(ctx, url, body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", stage.Errf(stage.KindTransient, "submit returned no operation name")
	}

	c.logger.Info("video generation submitted", "operation", op.Name, "model", c.cfg.Model)
	return op.Name, nil
}

// Poll reads the operation once. Pending is a normal outcome, not an error;
// the caller owns the wait loop and its poll-count ceiling.
func (c *Client) Poll(ctx context.Context, opName string) (PollResult, error) {
	url := fmt.Sprintf("%s/%s?key=%s", c.cfg.BaseURL, opName, c.cfg.APIKey)

	var status operationStatus
	if err := c.getJSON(ctx, url, &status); err != nil {
		return PollResult{}, err
	}

	if !status.Done {
		return PollResult{State: PollPending}, nil
	}
	if status.Error != nil {
		// The model rejected or failed the request itself; retrying the
		// same prompt will not help.
		return PollResult{}, stage.Errf(stage.KindBadRequest,
			"generation failed (code %d): %s", status.Error.Code, status.Error.Message)
	}
	if status.Response == nil {
		return PollResult{}, stage.Errf(stage.KindTransient, "operation done without response body")
	}
	samples := status.Response.GenerateVideoResponse.GeneratedSamples
	if len(samples) == 0 {
		return PollResult{}, stage.Errf(stage.KindBadRequest, "generation produced no video samples")
	}

	return PollResult{State: PollReady, VideoURI: samples[0].Video.URI}, nil
}

// Download streams the finished video to dest. The transfer goes through a
// temp file and an atomic rename, so a partial download never occupies the
// final path.
func (c *Client) Download(ctx context.Context, videoURI, dest string) error {
	url := videoURI
	if strings.Contains(url, "?") {
		url += "&key=" + c.cfg.APIKey
	} else {
		url += "?key=" + c.cfg.APIKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return stage.Wrap(stage.KindInternal, err, "build download request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return stage.Wrap(stage.ClassifyNetErr(err), err, "download video")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusFault(resp, "download video")
	}

	n, err := store.AtomicWrite(dest, resp.Body)
	if errors.Is(err, store.ErrEmptyWrite) {
		return stage.Errf(stage.KindTransient, "downloaded empty video body")
	}
	if err != nil {
		// A torn read mid-body is a transient transfer fault; the temp
		// file is already gone.
		return stage.Wrap(stage.KindTransient, err, "video transfer interrupted")
	}

	c.logger.Info("video downloaded", "dest", dest, "bytes", n)
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return stage.Wrap(stage.KindInternal, err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return stage.Wrap(stage.KindInternal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return stage.Wrap(stage.KindInternal, err, "build request")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return stage.Wrap(stage.ClassifyNetErr(err), err, "generation API request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusFault(resp, "generation API")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return stage.Wrap(stage.KindTransient, err, "decode generation API response")
	}
	return nil
}

// statusFault converts a non-200 response into a typed fault, keeping a
// slice of the body for the operator.
func (c *Client) statusFault(resp *http.Response, what string) *stage.Fault {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := stage.ClassifyStatus(resp.StatusCode)
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	if kind == stage.KindAuth {
		return stage.Errf(kind, "%s rejected credentials (HTTP %d), check GEMINI_API_KEY: %s",
			what, resp.StatusCode, msg)
	}
	return stage.Errf(kind, "%s returned HTTP %d: %s", what, resp.StatusCode, msg)
}
