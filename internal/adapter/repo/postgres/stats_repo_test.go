package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumagallery/luma/internal/domain"
)

func TestCardinalitiesOmitsMissingTags(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{scans: []func(dest ...any) error{
		setScan("uuid-a", int64(120)),
	}}}
	repo := NewStatsRepo(pool)

	out, err := repo.Cardinalities(context.Background(), []string{"uuid-a", "uuid-b"},
		[]domain.Source{domain.SourceItems})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"uuid-a": 120}, out,
		"tags without statistics rows are absent, not zero")
	assert.Contains(t, pool.sqls[0], "SUM(content_count)")
}

func TestRefreshTagCardinalitiesUpsertsAndPrunes(t *testing.T) {
	tx := &txStub{execTag: pgconn.NewCommandTag("INSERT 0 42")}
	repo := NewStatsRepo(&poolStub{tx: tx})

	n, err := repo.RefreshTagCardinalities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.True(t, tx.committed)

	require.Len(t, tx.sqls, 2)
	assert.Contains(t, tx.sqls[0], "INSERT INTO tag_cardinality_stats")
	assert.Contains(t, tx.sqls[0], "COUNT(DISTINCT content_id)")
	assert.Contains(t, tx.sqls[1], "DELETE FROM tag_cardinality_stats", "stale rows are pruned in the same transaction")
}

func TestRefreshGenSourceStats(t *testing.T) {
	tx := &txStub{execTag: pgconn.NewCommandTag("INSERT 0 3")}
	repo := NewStatsRepo(&poolStub{tx: tx})

	n, err := repo.RefreshGenSourceStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), n, "per-user plus community upserts")
	assert.True(t, tx.committed)
	require.Len(t, tx.sqls, 3)
	assert.Contains(t, tx.sqls[1], "SELECT NULL, source", "community rows carry a NULL user")
	assert.Contains(t, tx.sqls[2], "s.user_id IS NOT NULL AND NOT EXISTS")
	assert.Contains(t, tx.sqls[2], "s.user_id IS NULL AND NOT EXISTS",
		"a community source that empties out loses its stats row")
}

func TestUnifiedStatsAnonymousReader(t *testing.T) {
	pool := &poolStub{rowQueue: []rowStub{
		{scan: setScan(int64(40))},
		{scan: setScan(int64(12))},
	}}
	repo := NewStatsRepo(pool)

	out, err := repo.UnifiedStats(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.GenSourceStats{CommunityRegular: 40, CommunityAuto: 12}, out,
		"anonymous readers get zero user counts")
	assert.Len(t, pool.sqls, 2)
}

func TestUnifiedStatsForUser(t *testing.T) {
	pool := &poolStub{rowQueue: []rowStub{
		{scan: setScan(int64(3))},
		{scan: setScan(int64(1))},
		{scan: setScan(int64(40))},
		{scan: setScan(int64(12))},
	}}
	repo := NewStatsRepo(pool)

	userID := int64(8)
	out, err := repo.UnifiedStats(context.Background(), &userID)
	require.NoError(t, err)
	assert.Equal(t, domain.GenSourceStats{
		UserRegular:      3,
		UserAuto:         1,
		CommunityRegular: 40,
		CommunityAuto:    12,
	}, out)
}

func TestUnifiedStatsFallsBackToLiveCount(t *testing.T) {
	// The stats row for community/items is missing; the repo answers with a
	// live count instead.
	pool := &poolStub{rowQueue: []rowStub{
		{scan: func(...any) error { return pgx.ErrNoRows }},
		{scan: setScan(int64(7))},
		{scan: setScan(int64(2))},
	}}
	repo := NewStatsRepo(pool)

	out, err := repo.UnifiedStats(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.CommunityRegular)
	assert.Equal(t, int64(2), out.CommunityAuto)
	require.Len(t, pool.sqls, 3)
	assert.Contains(t, pool.sqls[1], "COUNT(*) FROM content_all")
}
