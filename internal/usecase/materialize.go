package usecase

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lumagallery/luma/internal/adapter/filestore"
	"github.com/lumagallery/luma/internal/domain"
)

const maxTitleLen = 120

// Materializer turns backend output descriptors into a content row plus tag
// links. Primary backend files are copied into the store layout; mock files
// are referenced in place so fixtures stay intact.
type Materializer struct {
	Content domain.ContentRepository
	Tags    domain.TagRepository
	Files   domain.FileStore
}

// NewMaterializer constructs a Materializer.
func NewMaterializer(content domain.ContentRepository, tags domain.TagRepository, files domain.FileStore) *Materializer {
	return &Materializer{Content: content, Tags: tags, Files: files}
}

// Materialize resolves the ordered descriptors, writes one row into the
// items partition and returns the new content id. The first descriptor must
// resolve to a readable file or the whole operation fails without a partial
// row; alternates are best-effort.
func (m *Materializer) Materialize(ctx domain.Context, job domain.Job, client domain.BackendClient, refs []domain.OutputRef) (int64, error) {
	tracer := otel.Tracer("usecase.materialize")
	ctx, span := tracer.Start(ctx, "materialize.Materialize")
	defer span.End()

	if len(refs) == 0 {
		return 0, fmt.Errorf("op=materialize: job %d produced no outputs: %w", job.ID, domain.ErrOutputMissing)
	}

	now := time.Now().UTC()
	copyFiles := client.Kind() == domain.BackendPrimary

	primarySrc := filestore.Resolve(client.OutputDir(), refs[0])
	primaryPath, err := m.Files.Ingest(ctx, primarySrc, job.UserID, now, copyFiles)
	if err != nil {
		return 0, fmt.Errorf("op=materialize: job %d primary output: %w", job.ID, err)
	}

	altPaths := make(map[string]string, len(refs)-1)
	for i, ref := range refs[1:] {
		src := filestore.Resolve(client.OutputDir(), ref)
		path, err := m.Files.Ingest(ctx, src, job.UserID, now, copyFiles)
		if err != nil {
			slog.Warn("alternate output skipped",
				slog.Int64("job_id", job.ID),
				slog.String("src", src),
				slog.Any("error", err))
			continue
		}
		altPaths[fmt.Sprintf("alt_%d", i+1)] = path
	}

	contentType, err := m.Files.Sniff(ctx, primaryPath)
	if err != nil {
		slog.Warn("content type detection failed, storing as octet-stream",
			slog.Int64("job_id", job.ID), slog.Any("error", err))
		contentType = "application/octet-stream"
	}

	row := domain.ContentRow{
		Source:      domain.SourceItems,
		Title:       titleFromPrompt(job.Prompt),
		ContentType: contentType,
		FilePath:    primaryPath,
		AltPaths:    altPaths,
		Prompt:      job.Prompt,
		CreatorID:   job.UserID,
		ItemMetadata: map[string]any{
			"job_id":     job.ID,
			"backend":    string(job.Backend),
			"checkpoint": job.CheckpointModel,
			"width":      job.Width,
			"height":     job.Height,
			"seed":       job.Sampler.Seed,
		},
	}
	contentID, err := m.Content.Insert(ctx, row)
	if err != nil {
		return 0, fmt.Errorf("op=materialize: insert job %d: %w", job.ID, err)
	}

	if err := m.linkTags(ctx, contentID, job); err != nil {
		// The row exists and is queryable; tag links repair on re-run is not
		// possible, so surface the miss in logs only.
		slog.Error("tag linking failed",
			slog.Int64("job_id", job.ID),
			slog.Int64("content_id", contentID),
			slog.Any("error", err))
	}
	return contentID, nil
}

// linkTags derives tags from the job's metadata: the backend kind, the
// checkpoint model stem and the sampler name when set.
func (m *Materializer) linkTags(ctx domain.Context, contentID int64, job domain.Job) error {
	names := []string{string(job.Backend), checkpointStem(job.CheckpointModel)}
	if s := strings.TrimSpace(job.Sampler.Sampler); s != "" {
		names = append(names, s)
	}
	tags, err := m.Tags.EnsureTags(ctx, names)
	if err != nil {
		return err
	}
	ids := make([]string, len(tags))
	for i, t := range tags {
		ids[i] = t.ID
	}
	return m.Tags.LinkContent(ctx, contentID, domain.SourceItems, ids)
}

func checkpointStem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func titleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if len(prompt) <= maxTitleLen {
		return prompt
	}
	return prompt[:maxTitleLen]
}
