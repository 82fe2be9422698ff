package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lumagallery/luma/internal/domain"
)

// StatsRepo maintains the refreshed statistics tables and serves the unified
// count set. All writes are idempotent upserts keyed by the natural key, so
// a refresh can be re-run or interrupted without corrupting the tables.
type StatsRepo struct{ Pool PgxPool }

// NewStatsRepo constructs a StatsRepo with the given pool.
func NewStatsRepo(p PgxPool) *StatsRepo { return &StatsRepo{Pool: p} }

// Cardinalities returns tag_id -> summed content count over the requested
// sources. Tags without statistics rows are absent from the map; the planner
// substitutes its fallback count.
func (r *StatsRepo) Cardinalities(ctx domain.Context, tagIDs []string, sources []domain.Source) (map[string]int64, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.Cardinalities")
	defer span.End()

	q := `SELECT tag_id, SUM(content_count) FROM tag_cardinality_stats
	WHERE tag_id = ANY($1::uuid[]) AND source = ANY($2::text[])
	GROUP BY tag_id`
	rows, err := r.Pool.Query(ctx, q, tagIDs, sourceStrings(sources))
	if err != nil {
		return nil, fmt.Errorf("op=stats.cardinalities: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64, len(tagIDs))
	for rows.Next() {
		var (
			tagID string
			count int64
		)
		if err := rows.Scan(&tagID, &count); err != nil {
			return nil, fmt.Errorf("op=stats.cardinalities: scan: %w", err)
		}
		out[tagID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=stats.cardinalities: rows: %w", err)
	}
	return out, nil
}

// RefreshTagCardinalities recomputes (tag_id, source) -> distinct content
// count from the junction and reconciles the stats table against it.
// Returns the number of upserted rows.
func (r *StatsRepo) RefreshTagCardinalities(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.RefreshTagCardinalities")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=stats.refresh_tag_cardinalities: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsert := `INSERT INTO tag_cardinality_stats (tag_id, source, content_count, updated_at)
	SELECT tag_id, source, COUNT(DISTINCT content_id), now()
	FROM content_tags
	GROUP BY tag_id, source
	ON CONFLICT (tag_id, source)
	DO UPDATE SET content_count = EXCLUDED.content_count, updated_at = EXCLUDED.updated_at`
	tag, err := tx.Exec(ctx, upsert)
	if err != nil {
		return 0, fmt.Errorf("op=stats.refresh_tag_cardinalities: upsert: %w", err)
	}

	// Drop rows whose (tag, source) no longer appears in the junction so the
	// table converges to the junction's truth.
	prune := `DELETE FROM tag_cardinality_stats s
	WHERE NOT EXISTS (
		SELECT 1 FROM content_tags ct WHERE ct.tag_id = s.tag_id AND ct.source = s.source
	)`
	if _, err := tx.Exec(ctx, prune); err != nil {
		return 0, fmt.Errorf("op=stats.refresh_tag_cardinalities: prune: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=stats.refresh_tag_cardinalities: commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RefreshGenSourceStats recomputes per-user and community counts over
// content_all. Community totals are the NULL-user rows.
func (r *StatsRepo) RefreshGenSourceStats(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.RefreshGenSourceStats")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=stats.refresh_gen_source: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	perUser := `INSERT INTO gen_source_stats (user_id, source, content_count, updated_at)
	SELECT creator_id, source, COUNT(*), now()
	FROM content_all
	GROUP BY creator_id, source
	ON CONFLICT (user_id, source) WHERE user_id IS NOT NULL
	DO UPDATE SET content_count = EXCLUDED.content_count, updated_at = EXCLUDED.updated_at`
	userTag, err := tx.Exec(ctx, perUser)
	if err != nil {
		return 0, fmt.Errorf("op=stats.refresh_gen_source: per-user: %w", err)
	}

	community := `INSERT INTO gen_source_stats (user_id, source, content_count, updated_at)
	SELECT NULL, source, COUNT(*), now()
	FROM content_all
	GROUP BY source
	ON CONFLICT (source) WHERE user_id IS NULL
	DO UPDATE SET content_count = EXCLUDED.content_count, updated_at = EXCLUDED.updated_at`
	communityTag, err := tx.Exec(ctx, community)
	if err != nil {
		return 0, fmt.Errorf("op=stats.refresh_gen_source: community: %w", err)
	}

	// Both partitions of the partial unique index converge: per-user rows
	// whose (creator, source) vanished and community rows whose source
	// emptied out entirely.
	prune := `DELETE FROM gen_source_stats s
	WHERE (s.user_id IS NOT NULL AND NOT EXISTS (
		SELECT 1 FROM content_all c WHERE c.creator_id = s.user_id AND c.source = s.source
	)) OR (s.user_id IS NULL AND NOT EXISTS (
		SELECT 1 FROM content_all c WHERE c.source = s.source
	))`
	if _, err := tx.Exec(ctx, prune); err != nil {
		return 0, fmt.Errorf("op=stats.refresh_gen_source: prune: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=stats.refresh_gen_source: commit: %w", err)
	}
	return userTag.RowsAffected() + communityTag.RowsAffected(), nil
}

// UnifiedStats returns the four-count set for a user (nil for anonymous
// readers, whose user counts are zero). A missing stats row is answered by a
// live count and not persisted; the next refresh repairs the table.
func (r *StatsRepo) UnifiedStats(ctx domain.Context, userID *int64) (domain.GenSourceStats, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.UnifiedStats")
	defer span.End()

	var out domain.GenSourceStats
	var err error
	if userID != nil {
		if out.UserRegular, err = r.countOrLive(ctx, userID, domain.SourceItems); err != nil {
			return domain.GenSourceStats{}, err
		}
		if out.UserAuto, err = r.countOrLive(ctx, userID, domain.SourceAuto); err != nil {
			return domain.GenSourceStats{}, err
		}
	}
	if out.CommunityRegular, err = r.countOrLive(ctx, nil, domain.SourceItems); err != nil {
		return domain.GenSourceStats{}, err
	}
	if out.CommunityAuto, err = r.countOrLive(ctx, nil, domain.SourceAuto); err != nil {
		return domain.GenSourceStats{}, err
	}
	return out, nil
}

func (r *StatsRepo) countOrLive(ctx domain.Context, userID *int64, source domain.Source) (int64, error) {
	var (
		count int64
		err   error
	)
	if userID != nil {
		err = r.Pool.QueryRow(ctx,
			`SELECT content_count FROM gen_source_stats WHERE user_id = $1 AND source = $2`,
			*userID, string(source)).Scan(&count)
	} else {
		err = r.Pool.QueryRow(ctx,
			`SELECT content_count FROM gen_source_stats WHERE user_id IS NULL AND source = $1`,
			string(source)).Scan(&count)
	}
	if err == nil {
		return count, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("op=stats.unified: %w", err)
	}
	// Stats row missing; fall back to a live count.
	if userID != nil {
		err = r.Pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM content_all WHERE creator_id = $1 AND source = $2`,
			*userID, string(source)).Scan(&count)
	} else {
		err = r.Pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM content_all WHERE source = $1`,
			string(source)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("op=stats.unified: live count: %w", err)
	}
	return count, nil
}
