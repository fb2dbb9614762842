package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// fakeStores backs the generator with in-memory slices and injectable errors.
type fakeStores struct {
	facts    map[string]*types.Fact
	episodes map[string]*types.Episode
	matches  []storage.VectorMatch

	listFactsErr error
	searchErr    error
	episodesErr  error
}

func (f *fakeStores) CreateFact(context.Context, *types.Fact) error { return nil }
func (f *fakeStores) GetFact(_ context.Context, id string) (*types.Fact, error) {
	if fact, ok := f.facts[id]; ok {
		return fact, nil
	}
	return nil, storage.ErrNotFound
}
func (f *fakeStores) GetActiveFact(context.Context, string, string) (*types.Fact, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeStores) ListFacts(_ context.Context, filter storage.FactFilter) ([]*types.Fact, error) {
	if f.listFactsErr != nil {
		return nil, f.listFactsErr
	}
	var out []*types.Fact
	for _, fact := range f.facts {
		if len(filter.SubjectIDs) > 0 && !contains(filter.SubjectIDs, fact.SubjectID) {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !fact.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		out = append(out, fact)
	}
	return out, nil
}
func (f *fakeStores) ReinforceFact(context.Context, string, float64) error { return nil }
func (f *fakeStores) TransitionFact(context.Context, string, types.FactStatus, string) error {
	return nil
}
func (f *fakeStores) SupersedeFact(context.Context, *types.Fact, string, types.FactStatus) error {
	return nil
}

func (f *fakeStores) StoreEpisode(context.Context, *types.Episode) error { return nil }
func (f *fakeStores) GetEpisode(_ context.Context, id string) (*types.Episode, error) {
	if ep, ok := f.episodes[id]; ok {
		return ep, nil
	}
	return nil, storage.ErrNotFound
}
func (f *fakeStores) ListEpisodes(_ context.Context, filter storage.EpisodeFilter) ([]*types.Episode, error) {
	if f.episodesErr != nil {
		return nil, f.episodesErr
	}
	var out []*types.Episode
	for _, ep := range f.episodes {
		if len(filter.EntityIDs) > 0 && !overlaps(filter.EntityIDs, ep.EntityIDs) {
			continue
		}
		if !filter.Since.IsZero() && !ep.OccurredAt.After(filter.Since) {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

func (f *fakeStores) StoreEmbedding(context.Context, string, string, []float32) error { return nil }
func (f *fakeStores) SimilaritySearch(context.Context, []float32, int) ([]storage.VectorMatch, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.matches, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, s := range a {
		if contains(b, s) {
			return true
		}
	}
	return false
}

func newTestGenerator(f *fakeStores) *Generator {
	return NewGenerator(f, f, f, config.RetrievalConfig{
		TopK:          10,
		SourceLimit:   50,
		RecencyWindow: 72 * time.Hour,
	})
}

func testFact(id, subject string, createdAt time.Time) *types.Fact {
	return &types.Fact{
		ID: id, SubjectID: subject, Predicate: "p", Object: "o",
		Confidence: 0.8, Status: types.FactActive,
		CreatedAt: createdAt, LastValidatedAt: createdAt,
	}
}

func TestGenerateDeduplicatesAcrossSources(t *testing.T) {
	now := time.Now()
	fakes := &fakeStores{
		facts: map[string]*types.Fact{
			// Fresh fact about the query entity: recency + entity index +
			// vector similarity will all surface it.
			"fact_1": testFact("fact_1", "ent_1", now.Add(-time.Hour)),
		},
		episodes: map[string]*types.Episode{},
		matches:  []storage.VectorMatch{{RefID: "fact_1", Kind: "fact", Similarity: 0.88}},
	}
	g := newTestGenerator(fakes)

	out, err := g.Generate(context.Background(), Query{
		Embedding: []float32{0.1, 0.2},
		EntityIDs: []string{"ent_1"},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fact_1", out[0].RefID)
	assert.Equal(t, 0.88, out[0].Similarity)
	assert.Len(t, out[0].Sources, 3)
}

func TestGenerateSingleSourceFailureDegrades(t *testing.T) {
	now := time.Now()
	fakes := &fakeStores{
		facts: map[string]*types.Fact{
			"fact_1": testFact("fact_1", "ent_1", now.Add(-time.Hour)),
		},
		episodes:  map[string]*types.Episode{},
		searchErr: errors.New("vector index offline"),
	}
	g := newTestGenerator(fakes)

	out, err := g.Generate(context.Background(), Query{
		Embedding: []float32{0.1},
		EntityIDs: []string{"ent_1"},
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestGenerateAllSourcesFailingErrors(t *testing.T) {
	boom := errors.New("storage down")
	fakes := &fakeStores{
		facts:        map[string]*types.Fact{},
		episodes:     map[string]*types.Episode{},
		searchErr:    boom,
		listFactsErr: boom,
		episodesErr:  boom,
	}
	g := newTestGenerator(fakes)

	_, err := g.Generate(context.Background(), Query{
		Embedding: []float32{0.1},
		EntityIDs: []string{"ent_1"},
	})
	assert.ErrorIs(t, err, boom)
}

func TestGenerateCancelled(t *testing.T) {
	fakes := &fakeStores{facts: map[string]*types.Fact{}, episodes: map[string]*types.Episode{}}
	g := newTestGenerator(fakes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Generate(ctx, Query{EntityIDs: []string{"ent_1"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateSkipsDanglingVectorHits(t *testing.T) {
	fakes := &fakeStores{
		facts:    map[string]*types.Fact{},
		episodes: map[string]*types.Episode{},
		matches:  []storage.VectorMatch{{RefID: "fact_gone", Kind: "fact", Similarity: 0.9}},
	}
	g := newTestGenerator(fakes)

	out, err := g.Generate(context.Background(), Query{Embedding: []float32{0.1}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGenerateRecencyWindow(t *testing.T) {
	now := time.Now()
	fakes := &fakeStores{
		facts: map[string]*types.Fact{
			"fact_fresh": testFact("fact_fresh", "ent_1", now.Add(-time.Hour)),
			"fact_old":   testFact("fact_old", "ent_1", now.Add(-30*24*time.Hour)),
		},
		episodes: map[string]*types.Episode{},
	}
	g := newTestGenerator(fakes)

	// No embedding, no entities: only the recency source contributes.
	out, err := g.Generate(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fact_fresh", out[0].RefID)
}

func TestGenerateRecencyScopedToQueryEntities(t *testing.T) {
	now := time.Now()
	fakes := &fakeStores{
		facts: map[string]*types.Fact{
			"fact_1": testFact("fact_1", "ent_1", now.Add(-time.Hour)),
			"fact_2": testFact("fact_2", "ent_2", now.Add(-time.Hour)),
		},
		episodes: map[string]*types.Episode{},
	}
	g := newTestGenerator(fakes)

	// A query that names an entity must not sweep in fresh memories about
	// unrelated entities.
	out, err := g.Generate(context.Background(), Query{EntityIDs: []string{"ent_1"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fact_1", out[0].RefID)
}
