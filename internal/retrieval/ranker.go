package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// FactAppraiser supplies read-time fact state. The lifecycle manager
// implements it.
type FactAppraiser interface {
	EffectiveConfidence(fact *types.Fact, at time.Time) float64
	Classify(fact *types.Fact, at time.Time) types.FactStatus
}

// ScoreComponents breaks a ranked score into its weighted signals for
// explainability.
type ScoreComponents struct {
	Similarity    float64 `json:"similarity"`
	EntityOverlap float64 `json:"entity_overlap"`
	Temporal      float64 `json:"temporal"`
	Importance    float64 `json:"importance"`
	Reinforcement float64 `json:"reinforcement"`

	// EffectiveConfidence is the fact's decayed confidence multiplied into
	// the final score; 1 for episodes.
	EffectiveConfidence float64 `json:"effective_confidence"`
}

// ScoredMemory is one ranked result.
type ScoredMemory struct {
	Candidate
	Score      float64          `json:"score"`
	Components ScoreComponents  `json:"components"`
	Status     types.FactStatus `json:"status,omitempty"`
}

// Ranker scores candidate pools against a named weight strategy. Ranking is
// pure: identical pool, strategy, and clock give identical output.
type Ranker struct {
	strategies *config.StrategyBook
	appraiser  FactAppraiser
	cfg        config.RetrievalConfig

	now func() time.Time
}

// NewRanker creates a ranker.
func NewRanker(strategies *config.StrategyBook, appraiser FactAppraiser, cfg config.RetrievalConfig) *Ranker {
	return &Ranker{
		strategies: strategies,
		appraiser:  appraiser,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Rank scores the pool with the query's strategy and returns the top K,
// highest score first. An empty pool ranks to an empty slice. Ties break to
// the newer memory, then lexically by ID so ordering is reproducible.
func (r *Ranker) Rank(q Query, pool []Candidate) []ScoredMemory {
	if len(pool) == 0 {
		return []ScoredMemory{}
	}

	strategy := q.Strategy
	if strategy == "" {
		strategy = ClassifyQuery(q.Text)
	}
	weights := r.strategies.Get(strategy)
	now := r.now()

	scored := make([]ScoredMemory, 0, len(pool))
	for _, c := range pool {
		s, ok := r.score(q, c, weights, now)
		if ok {
			scored = append(scored, s)
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		ti, tj := scored[i].createdAt(), scored[j].createdAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return scored[i].RefID < scored[j].RefID
	})

	topK := q.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// score computes one candidate's weighted score. Facts in a terminal state
// never rank; aging facts rank with their decayed confidence and are flagged.
func (r *Ranker) score(q Query, c Candidate, w config.Weights, now time.Time) (ScoredMemory, bool) {
	components := ScoreComponents{
		Similarity:          c.Similarity,
		EntityOverlap:       jaccard(q.EntityIDs, c.entityIDs()),
		Temporal:            temporalSignal(c.createdAt(), now, r.halfLife(c.Kind)),
		EffectiveConfidence: 1,
	}

	var status types.FactStatus
	if c.Fact != nil {
		status = r.appraiser.Classify(c.Fact, now)
		if types.IsTerminalFactStatus(status) {
			return ScoredMemory{}, false
		}
		components.Importance = c.Fact.Importance
		components.Reinforcement = saturation(c.Fact.ReinforcementCount)
		components.EffectiveConfidence = r.appraiser.EffectiveConfidence(c.Fact, now)
	} else if c.Episode != nil {
		components.Importance = c.Episode.Importance
	}

	total := w.Similarity + w.EntityOverlap + w.Temporal + w.Importance + w.Reinforcement
	if total == 0 {
		return ScoredMemory{}, false
	}
	raw := (w.Similarity*components.Similarity +
		w.EntityOverlap*components.EntityOverlap +
		w.Temporal*components.Temporal +
		w.Importance*components.Importance +
		w.Reinforcement*components.Reinforcement) / total

	return ScoredMemory{
		Candidate:  c,
		Score:      raw * components.EffectiveConfidence,
		Components: components,
		Status:     status,
	}, true
}

// halfLife returns the configured temporal half-life for a memory kind.
// Episodes decay faster than facts.
func (r *Ranker) halfLife(kind types.MemoryKind) time.Duration {
	if kind == types.KindEpisode {
		return r.cfg.EpisodeHalfLife
	}
	return r.cfg.FactHalfLife
}

// temporalSignal halves for every half-life of age, newest scoring near 1.
// A zero half-life disables the signal's decay.
func temporalSignal(createdAt, now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(createdAt)
	if age <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// saturation maps reinforcement count to [0,1) with diminishing returns, so
// heavily reinforced memories cannot dominate on repetition alone.
func saturation(count int) float64 {
	if count < 0 {
		count = 0
	}
	return float64(count) / float64(count+1)
}

// jaccard is set overlap over set union for entity ID slices.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	intersection := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, id := range b {
		if seen[id] {
			continue
		}
		seen[id] = true
		if set[id] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
