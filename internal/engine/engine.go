// Package engine wires the resolver, lifecycle manager, and retrieval
// pipeline behind one facade. Callers interact with the engine; the engine
// owns cross-cutting side effects: embedding new memories in the background,
// fanning conflict notifications out to subscribers, and graceful shutdown.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/lifecycle"
	"github.com/lucidity-labs/mnemosyne/internal/llm"
	"github.com/lucidity-labs/mnemosyne/internal/resolver"
	"github.com/lucidity-labs/mnemosyne/internal/retrieval"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/internal/textsim"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// Engine is the top-level memory engine facade. Safe for concurrent use.
type Engine struct {
	store      storage.Store
	resolver   *resolver.Resolver
	lifecycle  *lifecycle.Manager
	generator  *retrieval.Generator
	ranker     *retrieval.Ranker
	embedder   llm.Embedder // nil disables the vector source
	strategies *config.StrategyBook
	cfg        *config.Config

	mu      sync.RWMutex
	started bool

	// background embedding jobs, drained on shutdown
	jobs   sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles an engine from its components. embedder may be nil.
func New(store storage.Store, res *resolver.Resolver, lm *lifecycle.Manager, gen *retrieval.Generator, ranker *retrieval.Ranker, embedder llm.Embedder, strategies *config.StrategyBook, cfg *config.Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		resolver:   res,
		lifecycle:  lm,
		generator:  gen,
		ranker:     ranker,
		embedder:   embedder,
		strategies: strategies,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins background work: hot reload of the ranking strategies file
// when one is configured. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if path := e.cfg.Retrieval.StrategiesPath; path != "" {
		if err := e.strategies.Watch(path); err != nil {
			return fmt.Errorf("engine: failed to watch strategies file: %w", err)
		}
	}

	e.started = true
	log.Printf("engine: started (strategies: %v)", e.strategies.Names())
	return nil
}

// Shutdown stops background work and waits for in-flight embedding jobs, up
// to the context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	e.cancel()
	e.resolver.Close()
	if err := e.strategies.Close(); err != nil {
		log.Printf("engine: strategies close: %v", err)
	}

	done := make(chan struct{})
	go func() {
		e.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown timed out waiting for background jobs: %w", ctx.Err())
	}
}

// OnConflict subscribes to conflict records as they are appended.
func (e *Engine) OnConflict(h lifecycle.ConflictHandler) {
	e.lifecycle.OnConflict(h)
}

// RegisterEntity creates a canonical entity and seeds a global alias for its
// name so the approximate-match stage can find it under partial mentions.
func (e *Engine) RegisterEntity(ctx context.Context, entity *types.Entity) (*types.Entity, error) {
	if strings.TrimSpace(entity.Name) == "" {
		return nil, fmt.Errorf("engine: %w: entity name is required", storage.ErrInvalidInput)
	}
	if !types.IsValidEntityType(entity.Type) {
		return nil, fmt.Errorf("engine: %w: unknown entity type %q", storage.ErrInvalidInput, entity.Type)
	}

	now := time.Now().UTC()
	if entity.ID == "" {
		entity.ID = "ent_" + uuid.NewString()
	}
	entity.CreatedAt = now
	entity.UpdatedAt = now

	if err := e.store.CreateEntity(ctx, entity); err != nil {
		return nil, fmt.Errorf("engine: failed to create entity: %w", err)
	}

	seed := &types.Alias{
		ID:         "als_" + uuid.NewString(),
		Text:       entity.Name,
		TextNorm:   textsim.Normalize(entity.Name),
		EntityID:   entity.ID,
		Confidence: e.cfg.Resolver.ScopedAliasConfidence,
		Source:     types.AliasSourceExact,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := e.store.UpsertAlias(ctx, seed); err != nil {
		log.Printf("engine: failed to seed alias for %s: %v", entity.ID, err)
	}

	return entity, nil
}

// GetEntity retrieves a canonical entity.
func (e *Engine) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return e.store.GetEntity(ctx, id)
}

// Resolve maps a mention to an entity identity.
func (e *Engine) Resolve(ctx context.Context, mention string, conv types.ConversationContext) (*types.ResolutionResult, error) {
	return e.resolver.Resolve(ctx, mention, conv)
}

// ConfirmChoice persists an actor's disambiguation pick.
func (e *Engine) ConfirmChoice(ctx context.Context, mention, actor, entityID string) (*types.ResolutionResult, error) {
	return e.resolver.ConfirmChoice(ctx, mention, actor, entityID)
}

// Remember routes an observation through the fact lifecycle. Newly created
// facts are embedded in the background so Remember never blocks on the
// embedding provider.
func (e *Engine) Remember(ctx context.Context, cand types.CandidateFact) (*lifecycle.Outcome, error) {
	outcome, err := e.lifecycle.ApplyObservation(ctx, cand)
	if err != nil {
		return nil, err
	}
	if outcome.Created && outcome.Fact != nil {
		e.embedAsync(outcome.Fact.ID, string(types.KindFact), factEmbeddingText(outcome.Fact))
	}
	return outcome, nil
}

// RememberEpisode persists a distilled conversational event and embeds it in
// the background.
func (e *Engine) RememberEpisode(ctx context.Context, ep *types.Episode) (*types.Episode, error) {
	if strings.TrimSpace(ep.Content) == "" {
		return nil, fmt.Errorf("engine: %w: episode content is required", storage.ErrInvalidInput)
	}
	if ep.ID == "" {
		ep.ID = "ep_" + uuid.NewString()
	}
	now := time.Now().UTC()
	if ep.OccurredAt.IsZero() {
		ep.OccurredAt = now
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}

	if err := e.store.StoreEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("engine: failed to store episode: %w", err)
	}

	e.embedAsync(ep.ID, string(types.KindEpisode), ep.Content)
	return ep, nil
}

// Recall generates and ranks memories for a query. The query text is embedded
// here when possible; an unavailable embedding provider degrades recall to
// the entity and recency sources instead of failing it.
func (e *Engine) Recall(ctx context.Context, q retrieval.Query) ([]retrieval.ScoredMemory, error) {
	if len(q.Embedding) == 0 && q.Text != "" && e.embedder != nil {
		emb, err := e.embedder.Embed(ctx, q.Text)
		if err != nil {
			log.Printf("engine: recall continuing without vector source: %v", err)
		} else {
			q.Embedding = emb
		}
	}

	pool, err := e.generator.Generate(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("engine: candidate generation failed: %w", err)
	}
	return e.ranker.Rank(q, pool), nil
}

// Revalidate completes an aging fact's revalidation round-trip.
func (e *Engine) Revalidate(ctx context.Context, factID string, confirmed bool) (*types.Fact, error) {
	return e.lifecycle.Revalidate(ctx, factID, confirmed)
}

// MarkAging persists the aging status when a revalidation round-trip begins.
func (e *Engine) MarkAging(ctx context.Context, factID string) error {
	return e.lifecycle.MarkAging(ctx, factID)
}

// Conflicts lists conflict records for a subject, newest first.
func (e *Engine) Conflicts(ctx context.Context, subjectID string, unresolvedOnly bool, limit int) ([]*types.Conflict, error) {
	return e.store.ListConflicts(ctx, subjectID, unresolvedOnly, limit)
}

// embedAsync computes and stores an embedding off the request path. Failures
// are logged; the memory remains retrievable through the other sources.
func (e *Engine) embedAsync(refID, kind, text string) {
	if e.embedder == nil {
		return
	}

	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()

		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		defer cancel()

		emb, err := e.embedder.Embed(ctx, text)
		if err != nil {
			log.Printf("engine: embedding failed for %s: %v", refID, err)
			return
		}
		if err := e.store.StoreEmbedding(ctx, refID, kind, emb); err != nil {
			log.Printf("engine: failed to store embedding for %s: %v", refID, err)
		}
	}()
}

// factEmbeddingText renders a fact as the text its embedding is computed from.
func factEmbeddingText(f *types.Fact) string {
	return strings.ReplaceAll(f.Predicate, "_", " ") + " " + f.Object
}
