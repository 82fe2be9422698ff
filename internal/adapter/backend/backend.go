// Package backend provides the generation engine clients. Two variants
// exist: the primary HTTP engine and a deterministic mock used for tests and
// the latency-free path. Clients report; job state stays with the worker.
package backend

import (
	"log/slog"
	"time"

	"github.com/lumagallery/luma/internal/adapter/backend/mock"
	"github.com/lumagallery/luma/internal/adapter/backend/primary"
	"github.com/lumagallery/luma/internal/config"
	"github.com/lumagallery/luma/internal/domain"
)

// Factory resolves the client for a job's backend choice. URL, output_dir
// and models_dir always come from the same config entry.
type Factory struct {
	cfg           config.Config
	submitTimeout time.Duration
}

// NewFactory builds a Factory and logs a misconfiguration when both backends
// share one URL: that setup makes the worker read outputs from the wrong
// directory.
func NewFactory(cfg config.Config) *Factory {
	if cfg.BackendPrimaryURL == cfg.BackendMockURL {
		slog.Error("backend misconfiguration: primary and mock share a url",
			slog.String("url", cfg.BackendPrimaryURL))
	}
	return &Factory{cfg: cfg, submitTimeout: cfg.SubmitTimeout}
}

// ForKind returns the concrete client for kind; unknown kinds fall back to
// primary only through an explicit error.
func (f *Factory) ForKind(kind domain.BackendKind) (domain.BackendClient, error) {
	switch kind {
	case domain.BackendPrimary:
		entry, err := f.cfg.Backend("primary")
		if err != nil {
			return nil, err
		}
		return primary.New(entry.URL, entry.OutputDir, entry.ModelsDir, f.submitTimeout), nil
	case domain.BackendMock:
		entry, err := f.cfg.Backend("mock")
		if err != nil {
			return nil, err
		}
		return mock.New(entry.URL, entry.OutputDir, entry.ModelsDir), nil
	default:
		return nil, domain.ErrInvalidArgument
	}
}
