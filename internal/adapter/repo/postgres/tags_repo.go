package postgres

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lumagallery/luma/internal/domain"
)

// TagRepo manages tags, the parent->child tag DAG, and the content junction.
type TagRepo struct{ Pool PgxPool }

// NewTagRepo constructs a TagRepo with the given pool.
func NewTagRepo(p PgxPool) *TagRepo { return &TagRepo{Pool: p} }

// EnsureTags upserts each name (case-insensitively unique) and returns the
// tags in input order. Names are stored lower-cased.
func (r *TagRepo) EnsureTags(ctx domain.Context, names []string) ([]domain.Tag, error) {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.EnsureTags")
	defer span.End()

	out := make([]domain.Tag, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		q := `INSERT INTO tags (id, name) VALUES ($1, $2)
		ON CONFLICT ((lower(name))) DO UPDATE SET name = tags.name
		RETURNING id, name, created_at`
		var t domain.Tag
		if err := r.Pool.QueryRow(ctx, q, uuid.New().String(), name).Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=tag.ensure: %q: %w", name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// LookupTags resolves existing tags by name; unknown names are simply absent
// from the result (an unknown tag can never satisfy an AND filter, callers
// decide whether that empties the page).
func (r *TagRepo) LookupTags(ctx domain.Context, names []string) ([]domain.Tag, error) {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.LookupTags")
	defer span.End()

	lowered := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			lowered = append(lowered, n)
		}
	}
	if len(lowered) == 0 {
		return nil, nil
	}
	q := `SELECT id, name, created_at FROM tags WHERE lower(name) = ANY($1::text[])`
	rows, err := r.Pool.Query(ctx, q, lowered)
	if err != nil {
		return nil, fmt.Errorf("op=tag.lookup: %w", err)
	}
	defer rows.Close()
	var out []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=tag.lookup: scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tag.lookup: rows: %w", err)
	}
	return out, nil
}

// AddEdge inserts a parent->child edge after verifying the edge keeps the
// graph acyclic: if parent is already reachable from child, the insert is
// rejected.
func (r *TagRepo) AddEdge(ctx domain.Context, parentID, childID string) error {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.AddEdge")
	defer span.End()

	if parentID == childID {
		return fmt.Errorf("op=tag.add_edge: self edge: %w", domain.ErrInvalidArgument)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=tag.add_edge: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reachQ := `WITH RECURSIVE reach AS (
		SELECT child_id FROM tag_edges WHERE parent_id = $1
		UNION
		SELECT e.child_id FROM tag_edges e JOIN reach r ON e.parent_id = r.child_id
	) SELECT EXISTS (SELECT 1 FROM reach WHERE child_id = $2)`
	var cycle bool
	if err := tx.QueryRow(ctx, reachQ, childID, parentID).Scan(&cycle); err != nil {
		return fmt.Errorf("op=tag.add_edge: reach: %w", err)
	}
	if cycle {
		return fmt.Errorf("op=tag.add_edge: would create cycle: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO tag_edges (parent_id, child_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := tx.Exec(ctx, q, parentID, childID); err != nil {
		return fmt.Errorf("op=tag.add_edge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=tag.add_edge: commit: %w", err)
	}
	return nil
}

// LinkContent attaches tags to a content row with set semantics; re-linking
// an existing tag is a no-op.
func (r *TagRepo) LinkContent(ctx domain.Context, contentID int64, source domain.Source, tagIDs []string) error {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.LinkContent")
	defer span.End()

	if len(tagIDs) == 0 {
		return nil
	}
	q := `INSERT INTO content_tags (content_id, source, tag_id)
	SELECT $1, $2, t.id FROM unnest($3::uuid[]) AS t(id)
	ON CONFLICT DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, contentID, string(source), tagIDs); err != nil {
		return fmt.Errorf("op=tag.link_content: %w", err)
	}
	return nil
}
