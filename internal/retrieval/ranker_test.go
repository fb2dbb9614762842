package retrieval

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// stubAppraiser applies a fixed decay rate and the standard aging rule.
type stubAppraiser struct {
	decayRate float64
}

func (s stubAppraiser) EffectiveConfidence(f *types.Fact, at time.Time) float64 {
	days := at.Sub(f.LastValidatedAt).Hours() / 24
	if days <= 0 {
		return f.Confidence
	}
	return f.Confidence * math.Exp(-days*s.decayRate)
}

func (s stubAppraiser) Classify(f *types.Fact, _ time.Time) types.FactStatus {
	return f.Status
}

func newTestRanker(t *testing.T) *Ranker {
	t.Helper()
	book, err := config.NewStrategyBook("")
	require.NoError(t, err)
	r := NewRanker(book, stubAppraiser{decayRate: 0.005}, config.RetrievalConfig{
		TopK:            10,
		FactHalfLife:    7 * 24 * time.Hour,
		EpisodeHalfLife: 48 * time.Hour,
	})
	// Freeze the clock so scores are reproducible across assertions.
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	return r
}

func factCandidate(id string, confidence float64, createdAt time.Time) Candidate {
	return Candidate{
		RefID: id,
		Kind:  types.KindFact,
		Fact: &types.Fact{
			ID: id, SubjectID: "ent_1", Predicate: "p", Object: "o",
			Confidence: confidence, Importance: 0.5, Status: types.FactActive,
			CreatedAt: createdAt, LastValidatedAt: createdAt,
		},
	}
}

func TestRankEmptyPool(t *testing.T) {
	r := newTestRanker(t)
	out := r.Rank(Query{Text: "anything"}, nil)
	assert.Empty(t, out)
}

func TestRankIsReproducible(t *testing.T) {
	r := newTestRanker(t)
	base := r.now()

	pool := []Candidate{
		factCandidate("fact_a", 0.9, base.Add(-48*time.Hour)),
		factCandidate("fact_b", 0.7, base.Add(-24*time.Hour)),
		factCandidate("fact_c", 0.8, base.Add(-72*time.Hour)),
	}
	pool[0].Similarity = 0.4
	pool[1].Similarity = 0.9
	pool[2].Similarity = 0.6

	q := Query{Text: "what are the payment terms", EntityIDs: []string{"ent_1"}}

	first := r.Rank(q, pool)
	second := r.Rank(q, pool)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].RefID, second[i].RefID)
		assert.Equal(t, first[i].Score, second[i].Score)
	}
}

func TestRankTiesBreakNewestFirst(t *testing.T) {
	r := newTestRanker(t)
	base := r.now()

	older := factCandidate("fact_old", 0.8, base.Add(-48*time.Hour))
	newer := factCandidate("fact_new", 0.8, base.Add(-24*time.Hour))

	// Zero out every time-sensitive signal difference except creation time
	// by using the same timestamps for decay.
	older.Fact.LastValidatedAt = base
	newer.Fact.LastValidatedAt = base
	older.Fact.CreatedAt = base.Add(-time.Hour)
	newer.Fact.CreatedAt = base.Add(-time.Hour)

	// Identical in every signal: the ID breaks the tie deterministically.
	out := r.Rank(Query{}, []Candidate{older, newer})
	require.Len(t, out, 2)
	assert.Equal(t, out[0].Score, out[1].Score)
	assert.Equal(t, "fact_new", out[0].RefID)

	// With different creation times the newer one wins the tie.
	newer.Fact.CreatedAt = base.Add(-30 * time.Minute)
	newer.Fact.LastValidatedAt = older.Fact.LastValidatedAt
	out = r.Rank(Query{}, []Candidate{older, newer})
	require.Len(t, out, 2)
	assert.Equal(t, "fact_new", out[0].RefID)
}

func TestRankExcludesTerminalFacts(t *testing.T) {
	r := newTestRanker(t)
	base := r.now()

	active := factCandidate("fact_active", 0.8, base)
	superseded := factCandidate("fact_superseded", 0.9, base)
	superseded.Fact.Status = types.FactSuperseded
	invalidated := factCandidate("fact_invalidated", 0.9, base)
	invalidated.Fact.Status = types.FactInvalidated

	out := r.Rank(Query{}, []Candidate{active, superseded, invalidated})
	require.Len(t, out, 1)
	assert.Equal(t, "fact_active", out[0].RefID)
}

func TestRankMultipliesEffectiveConfidence(t *testing.T) {
	r := newTestRanker(t)
	base := r.now()

	fresh := factCandidate("fact_fresh", 0.8, base)
	stale := factCandidate("fact_stale", 0.8, base)
	stale.Fact.LastValidatedAt = base.AddDate(0, 0, -120)
	stale.Fact.CreatedAt = fresh.Fact.CreatedAt

	out := r.Rank(Query{}, []Candidate{fresh, stale})
	require.Len(t, out, 2)
	assert.Equal(t, "fact_fresh", out[0].RefID)
	assert.Less(t, out[1].Components.EffectiveConfidence, out[0].Components.EffectiveConfidence)
}

func TestRankStrategyChangesOrdering(t *testing.T) {
	r := newTestRanker(t)
	base := r.now()

	similar := factCandidate("fact_similar", 0.9, base.AddDate(0, 0, -60))
	similar.Similarity = 0.95
	similar.Fact.LastValidatedAt = base

	recent := factCandidate("fact_recent", 0.9, base.Add(-time.Hour))
	recent.Similarity = 0.05
	recent.Fact.LastValidatedAt = base

	pool := []Candidate{similar, recent}

	// Exploratory weights similarity heavily.
	exploratory := r.Rank(Query{Strategy: config.StrategyExploratory}, pool)
	require.Len(t, exploratory, 2)
	assert.Equal(t, "fact_similar", exploratory[0].RefID)

	// Temporal weights freshness heavily.
	temporal := r.Rank(Query{Strategy: config.StrategyTemporal}, pool)
	require.Len(t, temporal, 2)
	assert.Equal(t, "fact_recent", temporal[0].RefID)
}

func TestRankHonorsTopK(t *testing.T) {
	r := newTestRanker(t)
	base := r.now()

	pool := make([]Candidate, 0, 20)
	for i := 0; i < 20; i++ {
		pool = append(pool, factCandidate(
			"fact_"+string(rune('a'+i)), 0.8, base.Add(-time.Duration(i)*time.Hour)))
	}

	out := r.Rank(Query{TopK: 5}, pool)
	assert.Len(t, out, 5)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 0.0, jaccard(nil, []string{"a"}))
	assert.Equal(t, 0.0, jaccard([]string{"a"}, nil))
	assert.Equal(t, 1.0, jaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.Equal(t, 1.0/3.0, jaccard([]string{"a", "b"}, []string{"b", "c"}))
	assert.Equal(t, 0.0, jaccard([]string{"a"}, []string{"b"}))
}

func TestSaturation(t *testing.T) {
	assert.Equal(t, 0.0, saturation(0))
	assert.Equal(t, 0.5, saturation(1))
	prev := 0.0
	for n := 1; n < 50; n++ {
		s := saturation(n)
		assert.Greater(t, s, prev)
		assert.Less(t, s, 1.0)
		prev = s
	}
}

func TestTemporalSignalHalves(t *testing.T) {
	now := time.Now()
	halfLife := 7 * 24 * time.Hour
	assert.Equal(t, 1.0, temporalSignal(now, now, halfLife))
	assert.InDelta(t, 0.5, temporalSignal(now.Add(-halfLife), now, halfLife), 1e-9)
	assert.InDelta(t, 0.25, temporalSignal(now.Add(-2*halfLife), now, halfLife), 1e-9)
	// A zero half-life disables decay entirely.
	assert.Equal(t, 1.0, temporalSignal(now.Add(-time.Hour), now, 0))
}

func TestEpisodesDecayFasterThanFacts(t *testing.T) {
	r := newTestRanker(t)
	base := r.now()

	// At 48h of age an episode sits exactly at its half-life while a fact,
	// with its week-long half-life, is still mostly fresh.
	assert.InDelta(t, 0.5, temporalSignal(base.Add(-48*time.Hour), base, r.halfLife(types.KindEpisode)), 1e-9)
	assert.Greater(t, temporalSignal(base.Add(-48*time.Hour), base, r.halfLife(types.KindFact)), 0.75)
}
