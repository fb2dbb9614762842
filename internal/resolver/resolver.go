// Package resolver maps free-text mentions to canonical entity identities
// through an escalating pipeline: exact canonical match, actor-scoped alias,
// approximate string match, bounded-context reasoning, structured
// disambiguation, and lazy discovery against the authoritative record store.
// Each stage is cheaper and more certain than the next; the pipeline stops at
// the first stage that produces a confident answer.
package resolver

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/lucidity-labs/mnemosyne/internal/authority"
	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/llm"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/internal/textsim"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// aliasConfidenceCeiling is the asymptote alias confidence approaches through
// repeated use. Only an exact canonical match ever reports 1.0.
const aliasConfidenceCeiling = 0.99

// Resolver runs the resolution pipeline. Safe for concurrent use.
type Resolver struct {
	entities storage.EntityStore
	aliases  storage.AliasStore
	reasoner llm.Reasoner     // nil disables the reasoner stage
	records  authority.Lookup // nil disables discovery
	cfg      config.ResolverConfig
	cache    *ristretto.Cache
}

// cachedResolution is the cache value for deterministic high-confidence hits.
type cachedResolution struct {
	EntityID   string
	Confidence float64
	Method     types.ResolutionMethod
}

// New creates a Resolver. reasoner and records may be nil, in which case the
// corresponding stages are skipped.
func New(entities storage.EntityStore, aliases storage.AliasStore, reasoner llm.Reasoner, records authority.Lookup, cfg config.ResolverConfig) (*Resolver, error) {
	r := &Resolver{
		entities: entities,
		aliases:  aliases,
		reasoner: reasoner,
		records:  records,
		cfg:      cfg,
	}

	if cfg.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheSize * 10,
			MaxCost:     cfg.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("resolver: failed to create mention cache: %w", err)
		}
		r.cache = cache
	}

	return r, nil
}

// Close releases the mention cache.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

// Resolve maps a mention to an entity identity within the given conversation
// context. It never returns an error for ambiguity or a miss; those are
// structured outcomes on the result. Errors are reserved for storage failure.
func (r *Resolver) Resolve(ctx context.Context, mention string, conv types.ConversationContext) (*types.ResolutionResult, error) {
	norm := textsim.Normalize(mention)
	if norm == "" {
		return &types.ResolutionResult{Mention: mention, Method: types.MethodNone}, nil
	}

	if res := r.cacheGet(conv.Actor, norm); res != nil {
		res.Mention = mention
		return res, nil
	}

	// Stage 1: exact canonical name.
	if res, err := r.resolveExact(ctx, mention, norm, conv); err != nil {
		return nil, err
	} else if res != nil {
		r.cachePut(conv.Actor, norm, res)
		return res, nil
	}

	// Stage 2: learned aliases, actor-scoped first.
	if res, err := r.resolveAlias(ctx, mention, norm, conv); err != nil {
		return nil, err
	} else if res != nil {
		r.cachePut(conv.Actor, norm, res)
		return res, nil
	}

	// Stage 3: approximate string match. A clear winner resolves here;
	// close calls produce the candidate set the later stages work from.
	res, candidates, err := r.resolveFuzzy(ctx, mention, norm, conv)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	// Stage 4: bounded-context reasoning over the ambiguous candidates and
	// the recent conversation window.
	if res := r.resolveWithReasoner(ctx, mention, norm, conv, candidates); res != nil {
		return res, nil
	}

	// Stage 5: structured disambiguation when several candidates survive.
	if len(candidates) > 1 {
		return &types.ResolutionResult{
			Mention:                mention,
			Method:                 types.MethodDisambiguation,
			Alternatives:           candidates,
			RequiresDisambiguation: true,
		}, nil
	}

	// Stage 6: lazy discovery against the authoritative record store.
	if res, err := r.resolveByDiscovery(ctx, mention, norm, conv); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	return &types.ResolutionResult{Mention: mention, Method: types.MethodNone}, nil
}

// ConfirmChoice persists an actor's disambiguation pick as a scoped alias so
// the same mention resolves directly next time. The entity must exist.
func (r *Resolver) ConfirmChoice(ctx context.Context, mention, actor, entityID string) (*types.ResolutionResult, error) {
	norm := textsim.Normalize(mention)
	if norm == "" || entityID == "" {
		return nil, fmt.Errorf("resolver: %w: mention and entity id are required", storage.ErrInvalidInput)
	}

	if _, err := r.entities.GetEntity(ctx, entityID); err != nil {
		return nil, fmt.Errorf("resolver: failed to confirm choice for %q: %w", mention, err)
	}

	now := time.Now().UTC()
	alias := &types.Alias{
		ID:         "als_" + uuid.NewString(),
		Text:       mention,
		TextNorm:   norm,
		EntityID:   entityID,
		ScopeActor: actor,
		Confidence: r.cfg.DisambiguationConfidence,
		Source:     types.AliasSourceExplicitChoice,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := r.aliases.UpsertAlias(ctx, alias); err != nil {
		return nil, fmt.Errorf("resolver: failed to persist choice alias: %w", err)
	}

	r.cacheDel(actor, norm)

	return &types.ResolutionResult{
		Mention:    mention,
		EntityID:   entityID,
		Confidence: r.cfg.DisambiguationConfidence,
		Method:     types.MethodDisambiguation,
	}, nil
}

// learnAlias writes an alias in the background. Alias learning is a
// side effect of resolution and must never delay or fail the request.
func (r *Resolver) learnAlias(text, norm, entityID, actor string, confidence float64, source types.AliasSource) {
	now := time.Now().UTC()
	alias := &types.Alias{
		ID:         "als_" + uuid.NewString(),
		Text:       text,
		TextNorm:   norm,
		EntityID:   entityID,
		ScopeActor: actor,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.aliases.UpsertAlias(ctx, alias); err != nil {
			log.Printf("resolver: alias learn failed for %q: %v", norm, err)
		}
	}()
}

// touchAlias bumps an alias's usage counters in the background, nudging
// confidence a bounded step toward the ceiling.
func (r *Resolver) touchAlias(aliasID string, confidence float64) {
	next := confidence + r.cfg.AliasConfidenceStep*(aliasConfidenceCeiling-confidence)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.aliases.TouchAlias(ctx, aliasID, next); err != nil {
			log.Printf("resolver: alias touch failed for %s: %v", aliasID, err)
		}
	}()
}

func cacheKey(actor, norm string) string {
	return actor + "\x00" + norm
}

func (r *Resolver) cacheGet(actor, norm string) *types.ResolutionResult {
	if r.cache == nil {
		return nil
	}
	v, ok := r.cache.Get(cacheKey(actor, norm))
	if !ok {
		return nil
	}
	cached := v.(cachedResolution)
	return &types.ResolutionResult{
		EntityID:   cached.EntityID,
		Confidence: cached.Confidence,
		Method:     cached.Method,
	}
}

// cachePut caches deterministic high-confidence outcomes only. Reasoner and
// discovery answers are not cached; they should re-earn their confidence.
func (r *Resolver) cachePut(actor, norm string, res *types.ResolutionResult) {
	if r.cache == nil || !res.Resolved() {
		return
	}
	r.cache.Set(cacheKey(actor, norm), cachedResolution{
		EntityID:   res.EntityID,
		Confidence: res.Confidence,
		Method:     res.Method,
	}, 1)
}

func (r *Resolver) cacheDel(actor, norm string) {
	if r.cache != nil {
		r.cache.Del(cacheKey(actor, norm))
	}
}
