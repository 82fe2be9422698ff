// Package primary implements the HTTP client for the production generation
// engine. Methods are single-attempt; the worker owns retry policy so the
// job's retry count reflects what actually happened.
package primary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/observability"
)

// Client talks to the engine's HTTP surface:
//
//	POST /prompt        -> {"prompt_id": "..."}
//	GET  /status/{id}   -> {"status", "percent", "queue_position", "reason", "retryable"}
//	POST /cancel/{id}
//	GET  /outputs/{id}  -> {"outputs": [{filename, subfolder, type}, ...]}
type Client struct {
	baseURL   string
	outputDir string
	modelsDir string
	http      *http.Client
}

// New creates a primary engine client. submitTimeout bounds every request;
// poll calls are cheap but submissions can stall on a loaded engine.
func New(baseURL, outputDir, modelsDir string, submitTimeout time.Duration) *Client {
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		outputDir: outputDir,
		modelsDir: modelsDir,
		http:      &http.Client{Timeout: submitTimeout},
	}
}

func (c *Client) Kind() domain.BackendKind { return domain.BackendPrimary }
func (c *Client) OutputDir() string        { return c.outputDir }

// ModelsDir is where checkpoints and loras live on the engine host.
func (c *Client) ModelsDir() string { return c.modelsDir }

type submitRequest struct {
	Prompt          string           `json:"prompt"`
	NegativePrompt  string           `json:"negative_prompt,omitempty"`
	CheckpointModel string           `json:"checkpoint_model"`
	Loras           []domain.LoraRef `json:"loras,omitempty"`
	Width           int              `json:"width"`
	Height          int              `json:"height"`
	BatchSize       int              `json:"batch_size"`
	Steps           int              `json:"steps"`
	CFG             float64          `json:"cfg"`
	Seed            int64            `json:"seed"`
	Sampler         string           `json:"sampler_name"`
	Scheduler       string           `json:"scheduler"`
	ClientID        string           `json:"client_id,omitempty"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit posts the workflow and returns the engine's opaque prompt id.
// Transient failures (network, 5xx, 429, 408) come back as
// ErrBackendUnavailable; other 4xx as ErrBackendRejected.
func (c *Client) Submit(ctx domain.Context, wf domain.Workflow) (string, error) {
	body, err := json.Marshal(submitRequest{
		Prompt:          wf.Prompt,
		NegativePrompt:  wf.NegativePrompt,
		CheckpointModel: wf.CheckpointModel,
		Loras:           wf.Loras,
		Width:           wf.Width,
		Height:          wf.Height,
		BatchSize:       wf.BatchSize,
		Steps:           wf.Sampler.Steps,
		CFG:             wf.Sampler.CFG,
		Seed:            wf.Sampler.Seed,
		Sampler:         wf.Sampler.Sampler,
		Scheduler:       wf.Sampler.Scheduler,
		ClientID:        wf.ClientID,
	})
	if err != nil {
		return "", fmt.Errorf("op=primary.Submit: marshal: %w", err)
	}

	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(body), "submit", &out); err != nil {
		return "", err
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("op=primary.Submit: empty prompt_id: %w", domain.ErrBackendRejected)
	}
	return out.PromptID, nil
}

type statusResponse struct {
	Status        string   `json:"status"`
	Percent       *float64 `json:"percent,omitempty"`
	QueuePosition *int     `json:"queue_position,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Retryable     bool     `json:"retryable"`
}

// Status polls one submitted prompt. A 404 here means the engine lost the
// prompt (restart, eviction); that is fatal for the job, not transient.
func (c *Client) Status(ctx domain.Context, externalID string) (domain.BackendStatus, error) {
	var out statusResponse
	err := c.do(ctx, http.MethodGet, "/status/"+externalID, nil, "status", &out)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return domain.BackendStatus{}, fmt.Errorf("op=primary.Status: prompt %s unknown to engine: %w", externalID, domain.ErrNotFound)
		}
		return domain.BackendStatus{}, err
	}
	kind, err := parseStatusKind(out.Status)
	if err != nil {
		return domain.BackendStatus{}, err
	}
	return domain.BackendStatus{
		Kind:          kind,
		Percent:       out.Percent,
		QueuePosition: out.QueuePosition,
		Reason:        out.Reason,
		Retryable:     out.Retryable,
	}, nil
}

// Cancel asks the engine to interrupt the prompt. Cancelling an already
// finished prompt returns 404 from the engine, which we treat as success.
func (c *Client) Cancel(ctx domain.Context, externalID string) error {
	err := c.do(ctx, http.MethodPost, "/cancel/"+externalID, nil, "cancel", nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

type outputsResponse struct {
	Outputs []domain.OutputRef `json:"outputs"`
}

// FetchOutputs returns the ordered output descriptors for a completed prompt.
func (c *Client) FetchOutputs(ctx domain.Context, externalID string) ([]domain.OutputRef, error) {
	var out outputsResponse
	if err := c.do(ctx, http.MethodGet, "/outputs/"+externalID, nil, "fetch_outputs", &out); err != nil {
		return nil, err
	}
	return out.Outputs, nil
}

// statusError carries the HTTP status so callers can special-case 404.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

// do runs one HTTP round trip and classifies the response. Every call is
// counted; outcome is "ok", "transient" or "rejected".
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, operation string, out any) error {
	backend := string(domain.BackendPrimary)
	timer := prometheus.NewTimer(observability.BackendRequestDuration.WithLabelValues(backend, operation))
	defer timer.ObserveDuration()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("op=primary.%s: new request: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.BackendRequestsTotal.WithLabelValues(backend, operation, "transient").Inc()
		return fmt.Errorf("op=primary.%s: %v: %w", operation, err, domain.ErrBackendUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		observability.BackendRequestsTotal.WithLabelValues(backend, operation, "ok").Inc()
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("op=primary.%s: decode: %w", operation, err)
		}
		return nil
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		observability.BackendRequestsTotal.WithLabelValues(backend, operation, "transient").Inc()
		return &statusError{code: resp.StatusCode, err: fmt.Errorf(
			"op=primary.%s: engine returned %d: %w", operation, resp.StatusCode, domain.ErrBackendUnavailable)}
	default:
		observability.BackendRequestsTotal.WithLabelValues(backend, operation, "rejected").Inc()
		msg := readErrorBody(resp.Body)
		return &statusError{code: resp.StatusCode, err: fmt.Errorf(
			"op=primary.%s: engine returned %d: %s: %w", operation, resp.StatusCode, msg, domain.ErrBackendRejected)}
	}
}

func parseStatusKind(s string) (domain.BackendStatusKind, error) {
	switch s {
	case "queued":
		return domain.BackendQueued, nil
	case "running":
		return domain.BackendRunning, nil
	case "completed":
		return domain.BackendCompleted, nil
	case "failed":
		return domain.BackendFailedStatus, nil
	default:
		return "", fmt.Errorf("op=primary.Status: unknown status %q: %w", s, domain.ErrInternal)
	}
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return "(no body)"
	}
	return strings.TrimSpace(string(b))
}
