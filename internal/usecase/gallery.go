package usecase

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/lumagallery/luma/internal/domain"
	"github.com/lumagallery/luma/internal/observability"
	"github.com/lumagallery/luma/pkg/keyset"
)

// GalleryRequest is the raw gallery read as it arrives from the API: tag
// names (not ids), unvalidated limit and an opaque cursor.
type GalleryRequest struct {
	Tags    []string
	Sources []domain.Source
	UserID  *int64
	Cursor  string
	Limit   int
}

// GalleryPage is one resolved page. NextCursor is empty on the last page.
type GalleryPage struct {
	Items      []domain.ContentRow
	NextCursor string
	HasNext    bool
}

// GalleryService resolves tag names, decodes cursors and serves pages.
type GalleryService struct {
	Content domain.ContentRepository
	Tags    domain.TagRepository

	DefaultPageSize int
	MaxPageSize     int
}

// NewGalleryService constructs a GalleryService with pagination bounds.
func NewGalleryService(content domain.ContentRepository, tags domain.TagRepository, defaultPageSize, maxPageSize int) *GalleryService {
	if defaultPageSize <= 0 {
		defaultPageSize = 25
	}
	if maxPageSize <= 0 {
		maxPageSize = 200
	}
	return &GalleryService{Content: content, Tags: tags, DefaultPageSize: defaultPageSize, MaxPageSize: maxPageSize}
}

// ListPage serves one gallery page. An explicit limit of 0 or below is a
// validation error (an omitted limit is resolved to the default by the
// caller); limits above the maximum clamp silently. A tag name that does not
// exist can never satisfy the AND filter, so the page is empty.
func (s *GalleryService) ListPage(ctx domain.Context, req GalleryRequest) (GalleryPage, error) {
	tracer := otel.Tracer("usecase.gallery")
	ctx, span := tracer.Start(ctx, "gallery.ListPage")
	defer span.End()

	timer := prometheus.NewTimer(observability.GalleryPageDuration)
	defer timer.ObserveDuration()

	if req.Limit <= 0 {
		return GalleryPage{}, fmt.Errorf("op=gallery.ListPage: limit must be positive: %w", domain.ErrInvalidArgument)
	}
	limit := req.Limit
	if limit > s.MaxPageSize {
		limit = s.MaxPageSize
	}

	sources := req.Sources
	if len(sources) == 0 {
		sources = []domain.Source{domain.SourceItems, domain.SourceAuto}
	}
	for _, src := range sources {
		if !domain.ValidSource(src) {
			return GalleryPage{}, fmt.Errorf("op=gallery.ListPage: unknown source %q: %w", src, domain.ErrInvalidArgument)
		}
	}

	var after *domain.PageKey
	if req.Cursor != "" {
		cur, err := keyset.Decode(req.Cursor)
		if err != nil {
			return GalleryPage{}, fmt.Errorf("op=gallery.ListPage: %v: %w", err, domain.ErrBadCursor)
		}
		after = &domain.PageKey{CreatedAt: cur.CreatedAt, ID: cur.ID}
	}

	tagIDs, allFound, err := s.resolveTags(ctx, req.Tags)
	if err != nil {
		return GalleryPage{}, err
	}
	if !allFound {
		return GalleryPage{Items: []domain.ContentRow{}}, nil
	}

	// Fetch one extra row to learn whether a next page exists.
	rows, err := s.Content.ListPage(ctx, domain.GalleryQuery{
		TagIDs:  tagIDs,
		Sources: sources,
		UserID:  req.UserID,
		After:   after,
		Limit:   limit + 1,
	})
	if err != nil {
		return GalleryPage{}, fmt.Errorf("op=gallery.ListPage: %w", err)
	}

	page := GalleryPage{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasNext = true
		last := page.Items[len(page.Items)-1]
		page.NextCursor = keyset.Encode(keyset.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
			Source:    string(last.Source),
		})
	}
	if page.Items == nil {
		page.Items = []domain.ContentRow{}
	}
	return page, nil
}

// resolveTags maps names to ids, deduplicating case-insensitively. The
// second return is false when any requested tag does not exist.
func (s *GalleryService) resolveTags(ctx domain.Context, names []string) ([]string, bool, error) {
	if len(names) == 0 {
		return nil, true, nil
	}
	tags, err := s.Tags.LookupTags(ctx, names)
	if err != nil {
		return nil, false, fmt.Errorf("op=gallery.ListPage: resolve tags: %w", err)
	}
	byName := make(map[string]string, len(tags))
	for _, t := range tags {
		byName[t.Name] = t.ID
	}
	seen := make(map[string]bool, len(names))
	ids := make([]string, 0, len(names))
	for _, n := range names {
		n = domain.NormalizeTagName(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		id, ok := byName[n]
		if !ok {
			return nil, false, nil
		}
		ids = append(ids, id)
	}
	return ids, true, nil
}
