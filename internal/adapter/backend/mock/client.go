// Package mock implements a deterministic in-process generation backend. It
// never touches the network: submissions are accepted immediately, status is
// completed on the first poll, and outputs reference placeholder files the
// client itself writes under the configured output directory. Used by tests
// and the latency-free path.
package mock

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lumagallery/luma/internal/domain"
)

// Client is safe for concurrent use; the prompt table is shared across jobs.
type Client struct {
	baseURL   string
	outputDir string
	modelsDir string

	mu      sync.Mutex
	prompts map[string]promptRecord
}

type promptRecord struct {
	wf        domain.Workflow
	cancelled bool
}

// New creates a mock backend. baseURL is carried for parity with the primary
// client's configuration shape but never dialed.
func New(baseURL, outputDir, modelsDir string) *Client {
	return &Client{
		baseURL:   baseURL,
		outputDir: outputDir,
		modelsDir: modelsDir,
		prompts:   make(map[string]promptRecord),
	}
}

func (c *Client) Kind() domain.BackendKind { return domain.BackendMock }
func (c *Client) OutputDir() string        { return c.outputDir }

// Submit records the workflow, writes one placeholder output per batch slot
// and returns a fresh ulid as the prompt id. Writing up front keeps the
// contract that every descriptor FetchOutputs hands back resolves on disk.
func (c *Client) Submit(_ domain.Context, wf domain.Workflow) (string, error) {
	if wf.Prompt == "" {
		return "", fmt.Errorf("op=mock.Submit: empty prompt: %w", domain.ErrBackendRejected)
	}
	n := wf.BatchSize
	if n <= 0 {
		n = 1
	}
	if err := c.ensureFixtures(n); err != nil {
		return "", fmt.Errorf("op=mock.Submit: %w", err)
	}
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	c.mu.Lock()
	c.prompts[id] = promptRecord{wf: wf}
	c.mu.Unlock()
	return id, nil
}

// Status reports completed for any known prompt; cancelled prompts report
// failed with a non-retryable reason, matching how the real engine answers
// after an interrupt.
func (c *Client) Status(_ domain.Context, externalID string) (domain.BackendStatus, error) {
	c.mu.Lock()
	rec, ok := c.prompts[externalID]
	c.mu.Unlock()
	if !ok {
		return domain.BackendStatus{}, fmt.Errorf("op=mock.Status: prompt %s unknown: %w", externalID, domain.ErrNotFound)
	}
	if rec.cancelled {
		return domain.BackendStatus{Kind: domain.BackendFailedStatus, Reason: "interrupted", Retryable: false}, nil
	}
	hundred := 100.0
	return domain.BackendStatus{Kind: domain.BackendCompleted, Percent: &hundred}, nil
}

// Cancel marks the prompt cancelled; unknown ids are a no-op.
func (c *Client) Cancel(_ domain.Context, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.prompts[externalID]; ok {
		rec.cancelled = true
		c.prompts[externalID] = rec
	}
	return nil
}

// fixturePNG is a valid 1x1 transparent PNG, enough for content-type
// sniffing and gallery rendering.
var fixturePNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
	0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41, 0x54,
	0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00, 0x05,
	0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4,
	0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44,
	0xae, 0x42, 0x60, 0x82,
}

// ensureFixtures writes fixture_0001.png .. fixture_%04d.png under the
// output directory. Files are shared across prompts and identical, so a
// concurrent duplicate write is harmless.
func (c *Client) ensureFixtures(n int) error {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return fmt.Errorf("fixtures: %w", err)
	}
	for i := 1; i <= n; i++ {
		path := filepath.Join(c.outputDir, fmt.Sprintf("fixture_%04d.png", i))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, fixturePNG, 0o644); err != nil {
			return fmt.Errorf("fixtures: %w", err)
		}
	}
	return nil
}

// FetchOutputs returns one fixture descriptor per batch slot. Filenames are
// relative and may walk out of the output directory; the materializer
// normalizes before any filesystem access.
func (c *Client) FetchOutputs(_ domain.Context, externalID string) ([]domain.OutputRef, error) {
	c.mu.Lock()
	rec, ok := c.prompts[externalID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("op=mock.FetchOutputs: prompt %s unknown: %w", externalID, domain.ErrNotFound)
	}
	n := rec.wf.BatchSize
	if n <= 0 {
		n = 1
	}
	out := make([]domain.OutputRef, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.OutputRef{
			Filename:  fmt.Sprintf("fixture_%04d.png", i+1),
			Subfolder: "",
			Type:      "output",
		})
	}
	return out, nil
}
