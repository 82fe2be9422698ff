package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/observability"
)

// CardinalityProvider supplies per-(tag, source) counts for planning.
// Implemented by StatsRepo; narrowed for tests.
type CardinalityProvider interface {
	Cardinalities(ctx domain.Context, tagIDs []string, sources []domain.Source) (map[string]int64, error)
}

// ContentRepo reads and writes the partitioned content store. Reads go
// through the content_all parent so a single keyset cursor spans both
// partitions; inserts target the child directly to pick up the partition's
// identity sequence.
type ContentRepo struct {
	Pool    PgxPool
	Stats   CardinalityProvider
	Planner PlannerConfig
}

// NewContentRepo constructs a ContentRepo with the given pool and planner knobs.
func NewContentRepo(p PgxPool, stats CardinalityProvider, planner PlannerConfig) *ContentRepo {
	return &ContentRepo{Pool: p, Stats: stats, Planner: planner}
}

const contentColumns = `c.id, c.source, c.title, c.content_type, c.file_path, c.alt_paths, c.prompt,
c.creator_id, c.quality_score, c.private, c.item_metadata, c.created_at, c.updated_at`

// Insert stores a new content row in the partition named by row.Source and
// returns the partition-local id.
func (r *ContentRepo) Insert(ctx domain.Context, row domain.ContentRow) (int64, error) {
	tracer := otel.Tracer("repo.content")
	ctx, span := tracer.Start(ctx, "content.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("content.source", string(row.Source)))

	if !domain.ValidSource(row.Source) {
		return 0, fmt.Errorf("op=content.insert: source %q: %w", row.Source, domain.ErrInvalidArgument)
	}
	altPaths, err := json.Marshal(orEmptyMap(row.AltPaths))
	if err != nil {
		return 0, fmt.Errorf("op=content.insert: alt_paths: %w", err)
	}
	meta, err := json.Marshal(orEmptyAnyMap(row.ItemMetadata))
	if err != nil {
		return 0, fmt.Errorf("op=content.insert: item_metadata: %w", err)
	}
	// The child table name equals the source value; ValidSource above keeps
	// this closed over {items, auto}.
	q := fmt.Sprintf(`INSERT INTO %s
	(source, title, content_type, file_path, alt_paths, prompt, creator_id, quality_score, private, item_metadata)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING id`, row.Source)
	var id int64
	err = r.Pool.QueryRow(ctx, q,
		string(row.Source), row.Title, row.ContentType, row.FilePath, altPaths,
		row.Prompt, row.CreatorID, row.QualityScore, row.Private, meta,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=content.insert: %w", err)
	}
	return id, nil
}

// Get loads one content row by its composite key.
func (r *ContentRepo) Get(ctx domain.Context, id int64, source domain.Source) (domain.ContentRow, error) {
	tracer := otel.Tracer("repo.content")
	ctx, span := tracer.Start(ctx, "content.Get")
	defer span.End()

	q := `SELECT ` + contentColumns + ` FROM content_all c WHERE c.id=$1 AND c.source=$2`
	row, err := scanContentRow(r.Pool.QueryRow(ctx, q, id, string(source)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ContentRow{}, fmt.Errorf("op=content.get: %w", domain.ErrNotFound)
		}
		return domain.ContentRow{}, fmt.Errorf("op=content.get: %w", err)
	}
	return row, nil
}

// ListPage returns one gallery page ordered by (created_at DESC, id DESC).
// With tags present the planner picks the junction strategy from the tag
// cardinality statistics; missing statistics fall back to a conservative
// default count.
func (r *ContentRepo) ListPage(ctx domain.Context, q domain.GalleryQuery) ([]domain.ContentRow, error) {
	tracer := otel.Tracer("repo.content")
	ctx, span := tracer.Start(ctx, "content.ListPage")
	defer span.End()

	if len(q.Sources) == 0 {
		return nil, nil
	}

	var (
		sql  string
		args []any
	)
	if len(q.TagIDs) == 0 {
		sql, args = buildUnfilteredPage(q)
		span.SetAttributes(attribute.String("planner.strategy", "none"))
	} else {
		cards, err := r.Stats.Cardinalities(ctx, q.TagIDs, q.Sources)
		if err != nil {
			return nil, fmt.Errorf("op=content.list_page: cardinalities: %w", err)
		}
		var strategy Strategy
		sql, args, strategy = BuildTagFilterPage(q, cards, r.Planner)
		span.SetAttributes(attribute.String("planner.strategy", string(strategy)))
		observability.PlannerStrategyTotal.WithLabelValues(string(strategy)).Inc()
	}

	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("op=content.list_page: %w", err)
	}
	defer rows.Close()

	var out []domain.ContentRow
	for rows.Next() {
		row, err := scanContentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=content.list_page: scan: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=content.list_page: rows: %w", err)
	}
	return out, nil
}

// CountBySource runs a live count; used as the fallback when statistics rows
// are missing.
func (r *ContentRepo) CountBySource(ctx domain.Context, userID *int64, source domain.Source) (int64, error) {
	tracer := otel.Tracer("repo.content")
	ctx, span := tracer.Start(ctx, "content.CountBySource")
	defer span.End()

	var (
		count int64
		err   error
	)
	if userID != nil {
		err = r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM content_all WHERE source=$1 AND creator_id=$2`, string(source), *userID).Scan(&count)
	} else {
		err = r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM content_all WHERE source=$1`, string(source)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("op=content.count_by_source: %w", err)
	}
	return count, nil
}

func scanContentRow(row pgx.Row) (domain.ContentRow, error) {
	var (
		c        domain.ContentRow
		source   string
		altPaths []byte
		meta     []byte
	)
	err := row.Scan(&c.ID, &source, &c.Title, &c.ContentType, &c.FilePath, &altPaths, &c.Prompt,
		&c.CreatorID, &c.QualityScore, &c.Private, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.ContentRow{}, err
	}
	c.Source = domain.Source(source)
	if err := json.Unmarshal(altPaths, &c.AltPaths); err != nil {
		return domain.ContentRow{}, fmt.Errorf("alt_paths: %w", err)
	}
	if err := json.Unmarshal(meta, &c.ItemMetadata); err != nil {
		return domain.ContentRow{}, fmt.Errorf("item_metadata: %w", err)
	}
	return c, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
