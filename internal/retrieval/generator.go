// Package retrieval produces ranked memories for a query. Generation fans
// out to three independent sources (vector similarity, entity index, recency
// window) and deduplicates; ranking scores the merged pool with a named
// weight strategy and returns the top results.
package retrieval

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// Query is a recall request. Embedding is precomputed by the caller so
// generation itself never blocks on the embedding provider.
type Query struct {
	Text      string
	Embedding []float32

	// EntityIDs are the resolved entities mentioned in the query.
	EntityIDs []string

	Actor          string
	ConversationID string

	// Strategy names the ranking weight vector. Empty means classify from
	// the query text.
	Strategy string

	// TopK bounds the ranked result count. Zero means the configured default.
	TopK int
}

// Candidate is one memory surfaced by generation, before ranking.
type Candidate struct {
	RefID string
	Kind  types.MemoryKind

	// Exactly one of Fact and Episode is set, matching Kind.
	Fact    *types.Fact
	Episode *types.Episode

	// Similarity is the vector-source cosine similarity, zero when the
	// candidate only came from the other sources.
	Similarity float64

	// Sources lists every source that produced this candidate.
	Sources []types.RetrievalSource
}

// entityIDs returns the entities the candidate is about.
func (c *Candidate) entityIDs() []string {
	switch {
	case c.Fact != nil:
		return []string{c.Fact.SubjectID}
	case c.Episode != nil:
		return c.Episode.EntityIDs
	}
	return nil
}

// createdAt returns the candidate's creation time, used for tiebreaks.
func (c *Candidate) createdAt() time.Time {
	switch {
	case c.Fact != nil:
		return c.Fact.CreatedAt
	case c.Episode != nil:
		return c.Episode.CreatedAt
	}
	return time.Time{}
}

// Generator runs the three retrieval sources concurrently and merges their
// output. Safe for concurrent use.
type Generator struct {
	facts    storage.FactStore
	episodes storage.EpisodeStore
	search   storage.SearchProvider
	cfg      config.RetrievalConfig

	now func() time.Time
}

// NewGenerator creates a candidate generator.
func NewGenerator(facts storage.FactStore, episodes storage.EpisodeStore, search storage.SearchProvider, cfg config.RetrievalConfig) *Generator {
	return &Generator{
		facts:    facts,
		episodes: episodes,
		search:   search,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type sourceResult struct {
	source     types.RetrievalSource
	candidates []Candidate
	err        error
}

// Generate fans out to the sources and returns the deduplicated union. A
// single failing source degrades coverage, not the request; only all sources
// failing is an error. Cancellation stops in-flight sources cooperatively.
func (g *Generator) Generate(ctx context.Context, q Query) ([]Candidate, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sources := []func(context.Context, Query) ([]Candidate, error){
		g.bySimilarity,
		g.byEntities,
		g.byRecency,
	}
	names := []types.RetrievalSource{
		types.RetrievalSimilarity,
		types.RetrievalEntityIndex,
		types.RetrievalRecency,
	}

	results := make(chan sourceResult, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(name types.RetrievalSource, fn func(context.Context, Query) ([]Candidate, error)) {
			defer wg.Done()
			candidates, err := fn(ctx, q)
			results <- sourceResult{source: name, candidates: candidates, err: err}
		}(names[i], src)
	}
	wg.Wait()
	close(results)

	merged := make(map[string]*Candidate)
	order := make([]string, 0, 64)
	var firstErr error
	failures := 0
	for res := range results {
		if res.err != nil {
			failures++
			if firstErr == nil {
				firstErr = res.err
			}
			if !errors.Is(res.err, context.Canceled) {
				log.Printf("retrieval: %s source failed: %v", res.source, res.err)
			}
			continue
		}
		for i := range res.candidates {
			c := res.candidates[i]
			if existing, ok := merged[c.RefID]; ok {
				existing.Sources = append(existing.Sources, res.source)
				if c.Similarity > existing.Similarity {
					existing.Similarity = c.Similarity
				}
				continue
			}
			c.Sources = []types.RetrievalSource{res.source}
			merged[c.RefID] = &c
			order = append(order, c.RefID)
		}
	}

	if failures == len(sources) && firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out, nil
}

// bySimilarity hydrates vector-search hits into candidates. No embedding
// means no vector source, silently.
func (g *Generator) bySimilarity(ctx context.Context, q Query) ([]Candidate, error) {
	if len(q.Embedding) == 0 {
		return nil, nil
	}

	matches, err := g.search.SimilaritySearch(ctx, q.Embedding, g.cfg.SourceLimit)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		c, err := g.hydrate(ctx, m)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (g *Generator) hydrate(ctx context.Context, m storage.VectorMatch) (Candidate, error) {
	switch m.Kind {
	case string(types.KindEpisode):
		ep, err := g.episodes.GetEpisode(ctx, m.RefID)
		if err != nil {
			return Candidate{}, err
		}
		return Candidate{RefID: ep.ID, Kind: types.KindEpisode, Episode: ep, Similarity: m.Similarity}, nil
	default:
		fact, err := g.facts.GetFact(ctx, m.RefID)
		if err != nil {
			return Candidate{}, err
		}
		return Candidate{RefID: fact.ID, Kind: types.KindFact, Fact: fact, Similarity: m.Similarity}, nil
	}
}

// byEntities pulls facts about and episodes mentioning the query's entities.
func (g *Generator) byEntities(ctx context.Context, q Query) ([]Candidate, error) {
	if len(q.EntityIDs) == 0 {
		return nil, nil
	}

	facts, err := g.facts.ListFacts(ctx, storage.FactFilter{
		SubjectIDs: q.EntityIDs,
		Statuses:   []string{string(types.FactActive), string(types.FactAging)},
		Limit:      g.cfg.SourceLimit,
	})
	if err != nil {
		return nil, err
	}

	episodes, err := g.episodes.ListEpisodes(ctx, storage.EpisodeFilter{
		EntityIDs: q.EntityIDs,
		Limit:     g.cfg.SourceLimit,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(facts)+len(episodes))
	for _, f := range facts {
		candidates = append(candidates, Candidate{RefID: f.ID, Kind: types.KindFact, Fact: f})
	}
	for _, ep := range episodes {
		candidates = append(candidates, Candidate{RefID: ep.ID, Kind: types.KindEpisode, Episode: ep})
	}
	return candidates, nil
}

// byRecency pulls memories created inside the recency window, so very fresh
// ones surface even before embeddings exist for them. A query that names
// entities narrows the window to those entities; only an unscoped query
// sweeps the whole window.
func (g *Generator) byRecency(ctx context.Context, q Query) ([]Candidate, error) {
	since := g.now().Add(-g.cfg.RecencyWindow)

	facts, err := g.facts.ListFacts(ctx, storage.FactFilter{
		SubjectIDs:   q.EntityIDs,
		Statuses:     []string{string(types.FactActive), string(types.FactAging)},
		CreatedAfter: since,
		Limit:        g.cfg.SourceLimit,
	})
	if err != nil {
		return nil, err
	}

	episodes, err := g.episodes.ListEpisodes(ctx, storage.EpisodeFilter{
		Actor:     q.Actor,
		EntityIDs: q.EntityIDs,
		Since:     since,
		Limit:     g.cfg.SourceLimit,
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(facts)+len(episodes))
	for _, f := range facts {
		candidates = append(candidates, Candidate{RefID: f.ID, Kind: types.KindFact, Fact: f})
	}
	for _, ep := range episodes {
		candidates = append(candidates, Candidate{RefID: ep.ID, Kind: types.KindEpisode, Episode: ep})
	}
	return candidates, nil
}
