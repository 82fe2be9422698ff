package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/observability"
)

// BackendResolver picks the concrete client for a job's backend choice.
type BackendResolver interface {
	ForKind(kind domain.BackendKind) (domain.BackendClient, error)
}

// WorkerConfig are the loop timing and retry knobs.
type WorkerConfig struct {
	PollInterval       time.Duration
	MaxWait            time.Duration
	MaxRetries         int
	RetryBackoffBase   time.Duration
	RetryBackoffFactor float64
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 15 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 5 * time.Second
	}
	if c.RetryBackoffFactor <= 1 {
		c.RetryBackoffFactor = 2
	}
	return c
}

// Worker drives one generation job from pending to a terminal state. Errors
// are recorded on the job row and published; Handle only returns an error
// when the job should be redelivered (infrastructure failure before any
// state was taken).
type Worker struct {
	Jobs     domain.JobRepository
	Progress domain.ProgressHub
	Backends BackendResolver
	Mat      *Materializer
	Cfg      WorkerConfig
}

// NewWorker constructs a Worker.
func NewWorker(jobs domain.JobRepository, progress domain.ProgressHub, backends BackendResolver, mat *Materializer, cfg WorkerConfig) *Worker {
	return &Worker{Jobs: jobs, Progress: progress, Backends: backends, Mat: mat, Cfg: cfg.withDefaults()}
}

// jobRun is the per-job loop state; seq gives the published events their
// per-job total order.
type jobRun struct {
	job     domain.Job
	client  domain.BackendClient
	seq     int64
	retries int
}

// Handle implements the queue's JobHandler.
func (w *Worker) Handle(ctx domain.Context, payload domain.GenerateTaskPayload) error {
	tracer := otel.Tracer("usecase.worker")
	ctx, span := tracer.Start(ctx, "worker.Handle")
	defer span.End()

	job, err := w.Jobs.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("dequeued job no longer exists", slog.Int64("job_id", payload.JobID))
			return nil
		}
		return fmt.Errorf("op=worker.Handle: %w", err)
	}
	if job.State != domain.JobPending {
		slog.Info("skipping job not in pending state",
			slog.Int64("job_id", job.ID), slog.String("state", string(job.State)))
		return nil
	}
	if err := w.Jobs.Transition(ctx, job.ID, domain.JobPending, domain.JobRunning, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another worker took it, or it was cancelled before pickup.
			return nil
		}
		return fmt.Errorf("op=worker.Handle: claim job %d: %w", job.ID, err)
	}
	job.State = domain.JobRunning

	observability.JobsProcessing.Inc()
	defer observability.JobsProcessing.Dec()

	r := &jobRun{job: job, retries: job.Retries}
	w.run(ctx, r)
	return nil
}

func (w *Worker) run(ctx domain.Context, r *jobRun) {
	client, err := w.Backends.ForKind(r.job.Backend)
	if err != nil {
		w.fail(ctx, r, fmt.Sprintf("backend %q not configured", r.job.Backend))
		return
	}
	r.client = client
	w.publish(ctx, r, domain.JobRunning, nil, nil)

	deadline := time.Now().Add(w.Cfg.MaxWait)
	for {
		externalID, err := w.submitWithRetry(ctx, r)
		if err != nil {
			if errors.Is(err, domain.ErrCancelled) {
				w.cancelTerminal(ctx, r, "")
				return
			}
			w.fail(ctx, r, fmt.Sprintf("submit: %v", err))
			return
		}
		if err := w.Jobs.SetExternalPromptID(ctx, r.job.ID, externalID); err != nil {
			slog.Error("failed to record external prompt id",
				slog.Int64("job_id", r.job.ID), slog.Any("error", err))
		}

		resubmit, done := w.poll(ctx, r, externalID, deadline)
		if done {
			return
		}
		if !resubmit {
			return
		}
	}
}

// submitWithRetry submits the workflow with exponential backoff on transient
// failures. Each retry is recorded on the job row and mirrored in the
// running -> retrying -> running transitions.
func (w *Worker) submitWithRetry(ctx domain.Context, r *jobRun) (string, error) {
	wf := domain.Workflow{
		Prompt:          r.job.Prompt,
		NegativePrompt:  r.job.NegativePrompt,
		CheckpointModel: r.job.CheckpointModel,
		Loras:           r.job.Loras,
		Width:           r.job.Width,
		Height:          r.job.Height,
		BatchSize:       r.job.BatchSize,
		Sampler:         r.job.Sampler,
		ClientID:        fmt.Sprintf("luma-worker-%d", r.job.ID),
	}

	budget := w.Cfg.MaxRetries - r.retries
	if budget < 0 {
		budget = 0
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.Cfg.RetryBackoffBase
	expo.Multiplier = w.Cfg.RetryBackoffFactor
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(budget)), ctx)

	var (
		externalID string
		inRetrying bool
	)
	op := func() error {
		if cancelled, err := w.Progress.CancelRequested(ctx, r.job.ID); err == nil && cancelled {
			return backoff.Permanent(domain.ErrCancelled)
		}
		if inRetrying {
			if err := w.Jobs.Transition(ctx, r.job.ID, domain.JobRetrying, domain.JobRunning, nil); err != nil {
				return backoff.Permanent(fmt.Errorf("resume from retrying: %w", err))
			}
			inRetrying = false
		}
		id, err := r.client.Submit(ctx, wf)
		if err != nil {
			if errors.Is(err, domain.ErrBackendUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		externalID = id
		return nil
	}
	notify := func(err error, next time.Duration) {
		if terr := w.Jobs.Transition(ctx, r.job.ID, domain.JobRunning, domain.JobRetrying, nil); terr != nil {
			slog.Error("transition to retrying failed", slog.Int64("job_id", r.job.ID), slog.Any("error", terr))
		} else {
			inRetrying = true
		}
		if n, ierr := w.Jobs.IncrementRetries(ctx, r.job.ID); ierr == nil {
			r.retries = n
		} else {
			r.retries++
		}
		observability.JobRetriesTotal.Inc()
		w.publish(ctx, r, domain.JobRetrying, nil, nil)
		slog.Warn("backend submit failed, backing off",
			slog.Int64("job_id", r.job.ID),
			slog.Int("retries", r.retries),
			slog.Duration("next_attempt_in", next),
			slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return "", err
	}
	return externalID, nil
}

// poll watches the submitted prompt until it finishes, the cancel flag is
// raised, or the wait budget runs out. Returns resubmit=true when the
// backend reported a retryable failure and budget remains.
func (w *Worker) poll(ctx domain.Context, r *jobRun, externalID string, deadline time.Time) (resubmit, done bool) {
	ticker := time.NewTicker(w.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown mid-job: leave the row in running, the stuck-job
			// sweeper fails it if no worker resumes.
			return false, true
		case <-ticker.C:
		}

		if cancelled, err := w.Progress.CancelRequested(ctx, r.job.ID); err == nil && cancelled {
			w.cancelTerminal(ctx, r, externalID)
			return false, true
		}
		if time.Now().After(deadline) {
			if err := r.client.Cancel(ctx, externalID); err != nil {
				slog.Warn("backend cancel after timeout failed",
					slog.Int64("job_id", r.job.ID), slog.Any("error", err))
			}
			w.fail(ctx, r, fmt.Sprintf("exceeded max wait of %s", w.Cfg.MaxWait))
			return false, true
		}

		st, err := r.client.Status(ctx, externalID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				w.fail(ctx, r, "backend no longer knows the prompt")
				return false, true
			}
			// Transient poll error; keep polling until the deadline.
			slog.Warn("status poll failed",
				slog.Int64("job_id", r.job.ID), slog.Any("error", err))
			continue
		}

		switch st.Kind {
		case domain.BackendQueued, domain.BackendRunning:
			w.publish(ctx, r, domain.JobRunning, st.Percent, st.QueuePosition)
		case domain.BackendCompleted:
			w.complete(ctx, r, externalID)
			return false, true
		case domain.BackendFailedStatus:
			if st.Retryable && r.retries < w.Cfg.MaxRetries {
				if !w.backoffForResubmit(ctx, r) {
					return false, true
				}
				return true, false
			}
			msg := st.Reason
			if msg == "" {
				msg = "backend reported failure"
			}
			w.fail(ctx, r, msg)
			return false, true
		}
	}
}

// backoffForResubmit records one retry and sleeps the backoff interval.
// Returns false when the job was cancelled or the context died while waiting.
func (w *Worker) backoffForResubmit(ctx domain.Context, r *jobRun) bool {
	if err := w.Jobs.Transition(ctx, r.job.ID, domain.JobRunning, domain.JobRetrying, nil); err != nil {
		slog.Error("transition to retrying failed", slog.Int64("job_id", r.job.ID), slog.Any("error", err))
		w.fail(ctx, r, "backend failed and retry bookkeeping broke")
		return false
	}
	if n, err := w.Jobs.IncrementRetries(ctx, r.job.ID); err == nil {
		r.retries = n
	} else {
		r.retries++
	}
	observability.JobRetriesTotal.Inc()
	w.publish(ctx, r, domain.JobRetrying, nil, nil)

	wait := w.Cfg.RetryBackoffBase
	for i := 1; i < r.retries; i++ {
		wait = time.Duration(float64(wait) * w.Cfg.RetryBackoffFactor)
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
	}

	if cancelled, err := w.Progress.CancelRequested(ctx, r.job.ID); err == nil && cancelled {
		if terr := w.Jobs.Transition(ctx, r.job.ID, domain.JobRetrying, domain.JobCancelled, nil); terr != nil {
			slog.Error("cancel from retrying failed", slog.Int64("job_id", r.job.ID), slog.Any("error", terr))
		}
		w.publish(ctx, r, domain.JobCancelled, nil, nil)
		observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
		return false
	}
	if err := w.Jobs.Transition(ctx, r.job.ID, domain.JobRetrying, domain.JobRunning, nil); err != nil {
		slog.Error("resume from retrying failed", slog.Int64("job_id", r.job.ID), slog.Any("error", err))
		return false
	}
	return true
}

func (w *Worker) complete(ctx domain.Context, r *jobRun, externalID string) {
	refs, err := r.client.FetchOutputs(ctx, externalID)
	if err != nil {
		w.fail(ctx, r, fmt.Sprintf("fetch outputs: %v", err))
		return
	}
	contentID, err := w.Mat.Materialize(ctx, r.job, r.client, refs)
	if err != nil {
		w.fail(ctx, r, fmt.Sprintf("materialize: %v", err))
		return
	}
	if err := w.Jobs.SetContentID(ctx, r.job.ID, contentID); err != nil {
		w.fail(ctx, r, fmt.Sprintf("record content id: %v", err))
		return
	}
	if err := w.Jobs.Transition(ctx, r.job.ID, domain.JobRunning, domain.JobCompleted, nil); err != nil {
		slog.Error("transition to completed failed", slog.Int64("job_id", r.job.ID), slog.Any("error", err))
		return
	}
	w.publish(ctx, r, domain.JobCompleted, nil, nil)
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCompleted)).Inc()
	slog.Info("generation job completed",
		slog.Int64("job_id", r.job.ID), slog.Int64("content_id", contentID))
}

func (w *Worker) cancelTerminal(ctx domain.Context, r *jobRun, externalID string) {
	if externalID != "" {
		if err := r.client.Cancel(ctx, externalID); err != nil {
			slog.Warn("backend cancel failed",
				slog.Int64("job_id", r.job.ID), slog.Any("error", err))
		}
	}
	if err := w.Jobs.Transition(ctx, r.job.ID, domain.JobRunning, domain.JobCancelled, nil); err != nil {
		// Cancel can land while the job sits in retrying.
		if errors.Is(err, domain.ErrConflict) {
			err = w.Jobs.Transition(ctx, r.job.ID, domain.JobRetrying, domain.JobCancelled, nil)
		}
		if err != nil {
			slog.Error("transition to cancelled failed",
				slog.Int64("job_id", r.job.ID), slog.Any("error", err))
		}
	}
	w.publish(ctx, r, domain.JobCancelled, nil, nil)
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobCancelled)).Inc()
	slog.Info("generation job cancelled", slog.Int64("job_id", r.job.ID))
}

func (w *Worker) fail(ctx domain.Context, r *jobRun, msg string) {
	if err := w.Jobs.Transition(ctx, r.job.ID, domain.JobRunning, domain.JobFailed, &msg); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			err = w.Jobs.Transition(ctx, r.job.ID, domain.JobRetrying, domain.JobFailed, &msg)
		}
		if err != nil {
			slog.Error("transition to failed failed",
				slog.Int64("job_id", r.job.ID), slog.String("reason", msg), slog.Any("error", err))
		}
	}
	w.publish(ctx, r, domain.JobFailed, nil, nil)
	observability.JobsCompletedTotal.WithLabelValues(string(domain.JobFailed)).Inc()
	slog.Error("generation job failed",
		slog.Int64("job_id", r.job.ID), slog.String("reason", msg))
}

func (w *Worker) publish(ctx domain.Context, r *jobRun, state domain.JobState, percent *float64, queuePos *int) {
	r.seq++
	ev := domain.ProgressEvent{
		JobID:         r.job.ID,
		Seq:           r.seq,
		State:         state,
		Percent:       percent,
		QueuePosition: queuePos,
		Timestamp:     time.Now().UTC(),
	}
	if err := w.Progress.Publish(ctx, ev); err != nil {
		slog.Warn("progress publish failed",
			slog.Int64("job_id", r.job.ID), slog.Any("error", err))
	}
}
