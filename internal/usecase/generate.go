// Package usecase contains the application services: job submission and
// lifecycle, the worker loop, output materialization, gallery reads and the
// statistics pipeline. Services accept ports and hold no adapter types.
package usecase

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/observability"
)

const maxRandomSeed = 1_000_000_000

// JobSpec is a validated-on-entry submission request.
type JobSpec struct {
	UserID          int64
	Prompt          string
	NegativePrompt  string
	CheckpointModel string
	Loras           []domain.LoraRef
	Width           int
	Height          int
	BatchSize       int
	Sampler         domain.SamplerParams
	Backend         domain.BackendKind
}

// GenerateService owns job submission and the caller-facing lifecycle ops.
type GenerateService struct {
	Jobs     domain.JobRepository
	Queue    domain.Queue
	Progress domain.ProgressHub

	DefaultCheckpoint string
	LegacySentinel    string
}

// NewGenerateService constructs a GenerateService.
func NewGenerateService(jobs domain.JobRepository, queue domain.Queue, progress domain.ProgressHub, defaultCheckpoint, legacySentinel string) *GenerateService {
	return &GenerateService{
		Jobs:              jobs,
		Queue:             queue,
		Progress:          progress,
		DefaultCheckpoint: defaultCheckpoint,
		LegacySentinel:    legacySentinel,
	}
}

// Submit validates and normalizes the spec, persists the job in pending and
// enqueues it. It does not wait for the backend.
func (s *GenerateService) Submit(ctx domain.Context, spec JobSpec) (int64, error) {
	tracer := otel.Tracer("usecase.generate")
	ctx, span := tracer.Start(ctx, "generate.Submit")
	defer span.End()

	if strings.TrimSpace(spec.Prompt) == "" {
		return 0, fmt.Errorf("op=generate.Submit: prompt must be non-empty: %w", domain.ErrInvalidArgument)
	}
	if spec.Width <= 0 || spec.Height <= 0 {
		return 0, fmt.Errorf("op=generate.Submit: width and height must be positive: %w", domain.ErrInvalidArgument)
	}
	if spec.Backend != domain.BackendPrimary && spec.Backend != domain.BackendMock {
		return 0, fmt.Errorf("op=generate.Submit: unknown backend %q: %w", spec.Backend, domain.ErrInvalidArgument)
	}
	if spec.BatchSize <= 0 {
		spec.BatchSize = 1
	}
	if spec.Sampler.Seed <= 0 {
		spec.Sampler.Seed = rand.Int63n(maxRandomSeed + 1)
	}
	checkpoint := strings.TrimSpace(spec.CheckpointModel)
	if checkpoint == "" || checkpoint == s.LegacySentinel {
		checkpoint = s.DefaultCheckpoint
	}

	job := domain.Job{
		UserID:          spec.UserID,
		Prompt:          spec.Prompt,
		NegativePrompt:  spec.NegativePrompt,
		CheckpointModel: checkpoint,
		Loras:           spec.Loras,
		Width:           spec.Width,
		Height:          spec.Height,
		BatchSize:       spec.BatchSize,
		Sampler:         spec.Sampler,
		Backend:         spec.Backend,
		State:           domain.JobPending,
	}
	id, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("op=generate.Submit: %w", err)
	}

	if err := s.Queue.EnqueueGenerate(ctx, domain.GenerateTaskPayload{JobID: id}); err != nil {
		// The pending row stays; the stuck-job sweeper fails it if no worker
		// ever picks it up.
		return 0, fmt.Errorf("op=generate.Submit: enqueue job %d: %w", id, err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(spec.Backend)).Inc()
	return id, nil
}

// GetStatus returns the job as persisted.
func (s *GenerateService) GetStatus(ctx domain.Context, jobID int64) (domain.Job, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=generate.GetStatus: %w", err)
	}
	return job, nil
}

// Cancel requests cancellation. Pending jobs flip to cancelled directly;
// in-flight jobs get the cancel flag raised for the worker to observe.
// Cancelling a terminal job is a no-op reporting the terminal state.
func (s *GenerateService) Cancel(ctx domain.Context, jobID int64) (domain.JobState, error) {
	tracer := otel.Tracer("usecase.generate")
	ctx, span := tracer.Start(ctx, "generate.Cancel")
	defer span.End()

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("op=generate.Cancel: %w", err)
	}
	if job.State.Terminal() {
		return job.State, nil
	}

	if job.State == domain.JobPending {
		err := s.Jobs.Transition(ctx, jobID, domain.JobPending, domain.JobCancelled, nil)
		switch {
		case err == nil:
			s.publishTerminal(ctx, jobID, domain.JobCancelled)
			return domain.JobCancelled, nil
		case errors.Is(err, domain.ErrConflict):
			// A worker won the race; fall through to the flag path.
		default:
			return "", fmt.Errorf("op=generate.Cancel: %w", err)
		}
	}

	if err := s.Progress.RequestCancel(ctx, jobID); err != nil {
		return "", fmt.Errorf("op=generate.Cancel: %w", err)
	}
	return job.State, nil
}

func (s *GenerateService) publishTerminal(ctx domain.Context, jobID int64, state domain.JobState) {
	_ = s.Progress.Publish(ctx, domain.ProgressEvent{
		JobID:     jobID,
		Seq:       1,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}
