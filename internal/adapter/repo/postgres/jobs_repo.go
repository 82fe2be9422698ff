package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumagallery/luma/internal/domain"
)

// JobRepo persists and loads generation jobs using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, prompt, negative_prompt, checkpoint_model, loras, width, height, batch_size,
sampler_params, backend, state, state_version, retries, COALESCE(error,''), external_prompt_id, content_id,
created_at, started_at, completed_at`

// Create inserts a new job in pending state and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "generation_jobs"))

	loras, err := json.Marshal(j.Loras)
	if err != nil {
		return 0, fmt.Errorf("op=job.create: loras: %w", err)
	}
	sampler, err := json.Marshal(j.Sampler)
	if err != nil {
		return 0, fmt.Errorf("op=job.create: sampler: %w", err)
	}
	q := `INSERT INTO generation_jobs
	(user_id, prompt, negative_prompt, checkpoint_model, loras, width, height, batch_size, sampler_params, backend, state, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	RETURNING id`
	var id int64
	err = r.Pool.QueryRow(ctx, q,
		j.UserID, j.Prompt, j.NegativePrompt, j.CheckpointModel, loras,
		j.Width, j.Height, j.BatchSize, sampler, string(j.Backend),
		string(domain.JobPending), time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Transition applies the state change only when the current state matches
// from. A zero-row update means a concurrent transition won; callers get
// ErrConflict and must re-read. started_at/completed_at stamps follow the
// lifecycle: entering running stamps started_at once, terminal states stamp
// completed_at.
func (r *JobRepo) Transition(ctx domain.Context, id int64, from, to domain.JobState, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()
	span.SetAttributes(attribute.String("job.from", string(from)), attribute.String("job.to", string(to)))

	if !from.CanTransition(to) {
		return fmt.Errorf("op=job.transition: %s -> %s: %w", from, to, domain.ErrInvalidArgument)
	}
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	now := time.Now().UTC()
	q := `UPDATE generation_jobs
	SET state=$3, state_version=state_version+1, error=$4,
	    started_at=CASE WHEN $3='running' AND started_at IS NULL THEN $5 ELSE started_at END,
	    completed_at=CASE WHEN $3 IN ('completed','failed','cancelled') THEN $5 ELSE completed_at END
	WHERE id=$1 AND state=$2`
	tag, err := r.Pool.Exec(ctx, q, id, string(from), string(to), errVal, now)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.transition: %s -> %s: %w", from, to, domain.ErrConflict)
	}
	return nil
}

// SetExternalPromptID records the backend-issued prompt id after a
// successful submission.
func (r *JobRepo) SetExternalPromptID(ctx domain.Context, id int64, promptID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetExternalPromptID")
	defer span.End()

	q := `UPDATE generation_jobs SET external_prompt_id=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, promptID); err != nil {
		return fmt.Errorf("op=job.set_external_prompt_id: %w", err)
	}
	return nil
}

// SetContentID links the materialized content row to the job.
func (r *JobRepo) SetContentID(ctx domain.Context, id int64, contentID int64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetContentID")
	defer span.End()

	q := `UPDATE generation_jobs SET content_id=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, contentID); err != nil {
		return fmt.Errorf("op=job.set_content_id: %w", err)
	}
	return nil
}

// IncrementRetries bumps the retry counter and returns the new value.
func (r *JobRepo) IncrementRetries(ctx domain.Context, id int64) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.IncrementRetries")
	defer span.End()

	q := `UPDATE generation_jobs SET retries=retries+1 WHERE id=$1 RETURNING retries`
	var retries int
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&retries); err != nil {
		return 0, fmt.Errorf("op=job.increment_retries: %w", err)
	}
	return retries, nil
}

// SweepStuck fails jobs that have been running longer than olderThan.
// Crashed workers leave such rows behind; the sweeper keeps status reads
// truthful.
func (r *JobRepo) SweepStuck(ctx domain.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SweepStuck")
	defer span.End()

	cutoff := time.Now().UTC().Add(-olderThan)
	q := `UPDATE generation_jobs
	SET state='failed', state_version=state_version+1, error='worker timed out', completed_at=now()
	WHERE state IN ('running','retrying') AND started_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.sweep_stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j        domain.Job
		loras    []byte
		sampler  []byte
		backend  string
		state    string
		extID    *string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Prompt, &j.NegativePrompt, &j.CheckpointModel, &loras,
		&j.Width, &j.Height, &j.BatchSize, &sampler, &backend, &state, &j.StateVersion,
		&j.Retries, &j.Error, &extID, &j.ContentID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(loras, &j.Loras); err != nil {
		return domain.Job{}, fmt.Errorf("loras: %w", err)
	}
	if err := json.Unmarshal(sampler, &j.Sampler); err != nil {
		return domain.Job{}, fmt.Errorf("sampler: %w", err)
	}
	j.Backend = domain.BackendKind(backend)
	j.State = domain.JobState(state)
	if extID != nil {
		j.ExternalPromptID = *extID
	}
	return j, nil
}
