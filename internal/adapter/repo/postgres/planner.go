package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lumagallery/luma/internal/domain"
)

// Strategy names one of the tag-AND query shapes emitted by the planner.
type Strategy string

const (
	StrategySelfJoin       Strategy = "self_join"
	StrategyGroupHaving    Strategy = "group_having"
	StrategyTwoPhaseSingle Strategy = "two_phase_single"
	StrategyTwoPhaseDual   Strategy = "two_phase_dual"
)

// PlannerConfig are the strategy-selection knobs. Zero values are replaced
// by the documented defaults so a zero PlannerConfig is usable in tests.
type PlannerConfig struct {
	SmallKThreshold      int
	GroupHavingCeiling   int64
	DualSeedFloor        int64
	MinKForDualSeed      int
	SeedCandidateCap     int64
	FallbackDefaultCount int64
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.SmallKThreshold <= 0 {
		c.SmallKThreshold = 3
	}
	if c.GroupHavingCeiling <= 0 {
		c.GroupHavingCeiling = 50_000
	}
	if c.DualSeedFloor <= 0 {
		c.DualSeedFloor = 150_000
	}
	if c.MinKForDualSeed <= 0 {
		c.MinKForDualSeed = 7
	}
	if c.SeedCandidateCap <= 0 {
		c.SeedCandidateCap = 50_000
	}
	if c.FallbackDefaultCount <= 0 {
		c.FallbackDefaultCount = 1_000_000
	}
	return c
}

// ChooseStrategy is deterministic given k (the deduplicated tag count) and
// the rarest tag's cardinality. Ties resolve to the cheaper row in the
// selection table, which prefers Group/HAVING.
func ChooseStrategy(k int, rarest int64, cfg PlannerConfig) Strategy {
	cfg = cfg.withDefaults()
	switch {
	case k <= cfg.SmallKThreshold:
		return StrategySelfJoin
	case rarest <= cfg.GroupHavingCeiling:
		return StrategyGroupHaving
	case rarest > cfg.DualSeedFloor && k >= cfg.MinKForDualSeed:
		return StrategyTwoPhaseDual
	default:
		return StrategyTwoPhaseSingle
	}
}

// rankByCardinality returns q's tag ids ordered rarest-first. Tags without a
// statistics row count as cfg.FallbackDefaultCount, biasing selection toward
// the conservative strategies.
func rankByCardinality(tagIDs []string, cards map[string]int64, fallback int64) []string {
	ranked := append([]string(nil), tagIDs...)
	count := func(id string) int64 {
		if c, ok := cards[id]; ok {
			return c
		}
		return fallback
	}
	sort.SliceStable(ranked, func(i, j int) bool { return count(ranked[i]) < count(ranked[j]) })
	return ranked
}

// argList collects positional SQL arguments.
type argList struct{ args []any }

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

func sourceStrings(sources []domain.Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}

// buildUnfilteredPage is the K=0 shape: plain keyset pagination over the
// parent table with partition pruning on source.
func buildUnfilteredPage(q domain.GalleryQuery) (string, []any) {
	var (
		a argList
		b strings.Builder
	)
	b.WriteString(`SELECT ` + contentColumns + ` FROM content_all c WHERE c.source = ANY(` + a.add(sourceStrings(q.Sources)) + `::text[])`)
	writeCommonPredicates(&b, &a, q)
	writeOrderLimit(&b, &a, q)
	return b.String(), a.args
}

// BuildTagFilterPage emits the SQL for a multi-tag AND page using the
// strategy chosen from the cardinality statistics. The returned row set is
// always {c : source(c) ∈ S ∧ T ⊆ tags(c)}; only the access path differs.
func BuildTagFilterPage(q domain.GalleryQuery, cards map[string]int64, cfg PlannerConfig) (string, []any, Strategy) {
	cfg = cfg.withDefaults()
	ranked := rankByCardinality(q.TagIDs, cards, cfg.FallbackDefaultCount)
	rarest := cfg.FallbackDefaultCount
	if c, ok := cards[ranked[0]]; ok {
		rarest = c
	}
	strategy := ChooseStrategy(len(ranked), rarest, cfg)

	var (
		a argList
		b strings.Builder
	)
	switch strategy {
	case StrategySelfJoin:
		writeSelfJoin(&b, &a, q, ranked)
	case StrategyGroupHaving:
		writeGroupHaving(&b, &a, q, ranked)
	case StrategyTwoPhaseSingle:
		writeTwoPhase(&b, &a, q, ranked, false, cfg.SeedCandidateCap)
	case StrategyTwoPhaseDual:
		writeTwoPhase(&b, &a, q, ranked, true, cfg.SeedCandidateCap)
	}
	writeCommonPredicates(&b, &a, q)
	writeOrderLimit(&b, &a, q)
	return b.String(), a.args, strategy
}

// writeSelfJoin joins the junction once per tag; the rarest tag drives the
// first join so the tag-first index narrows early.
func writeSelfJoin(b *strings.Builder, a *argList, q domain.GalleryQuery, ranked []string) {
	b.WriteString(`SELECT ` + contentColumns + ` FROM content_all c`)
	for i, tagID := range ranked {
		alias := fmt.Sprintf("t%d", i)
		fmt.Fprintf(b, ` JOIN content_tags %s ON %s.content_id = c.id AND %s.source = c.source AND %s.tag_id = %s`,
			alias, alias, alias, alias, a.add(tagID))
	}
	b.WriteString(` WHERE c.source = ANY(` + a.add(sourceStrings(q.Sources)) + `::text[])`)
}

func writeGroupHaving(b *strings.Builder, a *argList, q domain.GalleryQuery, ranked []string) {
	sources := a.add(sourceStrings(q.Sources))
	fmt.Fprintf(b, `SELECT `+contentColumns+` FROM content_all c JOIN (
	SELECT content_id, source FROM content_tags
	WHERE tag_id = ANY(%s::uuid[]) AND source = ANY(%s::text[])
	GROUP BY content_id, source
	HAVING COUNT(DISTINCT tag_id) = %s
) m ON m.content_id = c.id AND m.source = c.source WHERE c.source = ANY(%s::text[])`,
		a.add(ranked), sources, a.add(len(ranked)), sources)
}

// writeTwoPhase narrows candidates to rows carrying the rarest tag (or the
// two rarest when dual), then verifies the full set by group/having over the
// reduced candidate list.
func writeTwoPhase(b *strings.Builder, a *argList, q domain.GalleryQuery, ranked []string, dual bool, seedCap int64) {
	sources := a.add(sourceStrings(q.Sources))
	b.WriteString(`WITH seed AS (`)
	if dual {
		fmt.Fprintf(b, `SELECT a.content_id, a.source FROM content_tags a
	JOIN content_tags b ON b.content_id = a.content_id AND b.source = a.source AND b.tag_id = %s
	WHERE a.tag_id = %s AND a.source = ANY(%s::text[]) LIMIT %s`,
			a.add(ranked[1]), a.add(ranked[0]), sources, a.add(seedCap))
	} else {
		fmt.Fprintf(b, `SELECT content_id, source FROM content_tags
	WHERE tag_id = %s AND source = ANY(%s::text[]) LIMIT %s`,
			a.add(ranked[0]), sources, a.add(seedCap))
	}
	fmt.Fprintf(b, `), matched AS (
	SELECT ct.content_id, ct.source FROM content_tags ct
	JOIN seed s ON s.content_id = ct.content_id AND s.source = ct.source
	WHERE ct.tag_id = ANY(%s::uuid[])
	GROUP BY ct.content_id, ct.source
	HAVING COUNT(DISTINCT ct.tag_id) = %s
)
SELECT `+contentColumns+` FROM content_all c JOIN matched m ON m.content_id = c.id AND m.source = c.source WHERE c.source = ANY(%s::text[])`,
		a.add(ranked), a.add(len(ranked)), sources)
}

func writeCommonPredicates(b *strings.Builder, a *argList, q domain.GalleryQuery) {
	if q.UserID != nil {
		b.WriteString(` AND c.creator_id = ` + a.add(*q.UserID))
	}
	if q.After != nil {
		fmt.Fprintf(b, ` AND (c.created_at, c.id) < (%s::timestamptz, %s::bigint)`,
			a.add(q.After.CreatedAt.UTC()), a.add(q.After.ID))
	}
}

func writeOrderLimit(b *strings.Builder, a *argList, q domain.GalleryQuery) {
	b.WriteString(` ORDER BY c.created_at DESC, c.id DESC LIMIT ` + a.add(q.Limit))
}
