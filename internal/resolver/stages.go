package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lucidity-labs/mnemosyne/internal/authority"
	"github.com/lucidity-labs/mnemosyne/internal/llm"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/internal/textsim"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// pronouns that can never name an entity directly; they route straight to the
// coreference path.
var pronouns = map[string]bool{
	"he": true, "him": true, "his": true,
	"she": true, "her": true, "hers": true,
	"they": true, "them": true, "their": true, "theirs": true,
	"it": true, "its": true,
	"this": true, "that": true,
}

func isPronoun(norm string) bool {
	return pronouns[norm]
}

func typeCompatible(expected, actual string) bool {
	return expected == "" || expected == actual
}

// resolveExact matches the mention against canonical entity names. Only this
// stage ever reports full confidence.
func (r *Resolver) resolveExact(ctx context.Context, mention, norm string, conv types.ConversationContext) (*types.ResolutionResult, error) {
	if isPronoun(norm) {
		return nil, nil
	}

	entity, err := r.entities.GetEntityByName(ctx, norm)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolver: exact lookup failed for %q: %w", norm, err)
	}
	if !typeCompatible(conv.ExpectedType, entity.Type) {
		return nil, nil
	}

	return &types.ResolutionResult{
		Mention:    mention,
		EntityID:   entity.ID,
		Confidence: 1.0,
		Method:     types.MethodExact,
	}, nil
}

// resolveAlias looks up learned aliases, preferring the actor's own scope
// over global ones. A hit reinforces the alias in the background.
func (r *Resolver) resolveAlias(ctx context.Context, mention, norm string, conv types.ConversationContext) (*types.ResolutionResult, error) {
	if isPronoun(norm) {
		return nil, nil
	}

	aliases, err := r.aliases.LookupAliases(ctx, storage.AliasFilter{
		TextNorm:      norm,
		ScopeActor:    conv.Actor,
		IncludeGlobal: true,
	})
	if err != nil {
		return nil, fmt.Errorf("resolver: alias lookup failed for %q: %w", norm, err)
	}
	if len(aliases) == 0 {
		return nil, nil
	}

	// Scoped rows outrank global ones regardless of stored confidence: the
	// actor's own history is the stronger signal.
	best := aliases[0]
	for _, a := range aliases {
		if !a.IsGlobal() {
			best = a
			break
		}
	}

	if conv.ExpectedType != "" {
		entity, err := r.entities.GetEntity(ctx, best.EntityID)
		if err != nil {
			return nil, fmt.Errorf("resolver: failed to load aliased entity %s: %w", best.EntityID, err)
		}
		if !typeCompatible(conv.ExpectedType, entity.Type) {
			return nil, nil
		}
	}

	confidence := best.Confidence
	if confidence > r.cfg.ScopedAliasConfidence {
		confidence = r.cfg.ScopedAliasConfidence
	}

	r.touchAlias(best.ID, best.Confidence)

	return &types.ResolutionResult{
		Mention:    mention,
		EntityID:   best.EntityID,
		Confidence: confidence,
		Method:     types.MethodScopedAlias,
	}, nil
}

// resolveFuzzy scores approximate matches. A winner clear of the runner-up by
// the configured margin resolves immediately and learns a fuzzy alias; close
// calls return the surviving candidates for escalation.
func (r *Resolver) resolveFuzzy(ctx context.Context, mention, norm string, conv types.ConversationContext) (*types.ResolutionResult, []types.ResolutionCandidate, error) {
	if isPronoun(norm) {
		return nil, nil, nil
	}

	matches, err := r.aliases.FuzzyLookup(ctx, norm, conv.Actor, r.cfg.FuzzyThreshold, 8)
	if err != nil {
		return nil, nil, fmt.Errorf("resolver: fuzzy lookup failed for %q: %w", norm, err)
	}

	candidates := make([]types.ResolutionCandidate, 0, len(matches))
	for _, m := range matches {
		entity, err := r.entities.GetEntity(ctx, m.EntityID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("resolver: failed to load fuzzy candidate %s: %w", m.EntityID, err)
		}
		if !typeCompatible(conv.ExpectedType, entity.Type) {
			continue
		}
		candidates = append(candidates, types.ResolutionCandidate{
			EntityID:   entity.ID,
			Name:       entity.Name,
			Type:       entity.Type,
			Score:      m.Similarity,
			MatchedVia: m.Text,
		})
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	lead := candidates[0].Score
	if len(candidates) > 1 {
		lead -= candidates[1].Score
	} else {
		lead = 1.0
	}
	if lead < r.cfg.FuzzyMargin {
		return nil, candidates, nil
	}

	best := candidates[0]
	confidence := best.Score
	if confidence > r.cfg.ReasonerConfidenceCap {
		confidence = r.cfg.ReasonerConfidenceCap
	}

	r.learnAlias(mention, norm, best.EntityID, conv.Actor, confidence, types.AliasSourceFuzzy)

	return &types.ResolutionResult{
		Mention:    mention,
		EntityID:   best.EntityID,
		Confidence: confidence,
		Method:     types.MethodFuzzy,
	}, candidates, nil
}

// resolveWithReasoner consults the external reasoner over the ambiguous
// candidates plus entities from the recent conversation window. Reasoner
// failure degrades to the most recent type-compatible mention rather than
// failing the request.
func (r *Resolver) resolveWithReasoner(ctx context.Context, mention, norm string, conv types.ConversationContext, candidates []types.ResolutionCandidate) *types.ResolutionResult {
	pronoun := isPronoun(norm)
	merged := r.mergeContextCandidates(ctx, conv, candidates, pronoun)
	if len(merged) == 0 {
		return nil
	}

	// A pronoun with a single recent compatible referent needs no reasoning.
	if pronoun && len(merged) == 1 {
		return &types.ResolutionResult{
			Mention:    mention,
			EntityID:   merged[0].EntityID,
			Confidence: r.cfg.ReasonerConfidenceCap,
			Method:     types.MethodCoreference,
		}
	}

	if r.reasoner == nil {
		return nil
	}

	decision, err := r.reasoner.ResolveReference(ctx, llm.ReferenceRequest{
		Mention:     mention,
		Candidates:  merged,
		RecentTurns: conv.RecentTurns,
	})
	if err != nil {
		log.Printf("resolver: reasoner unavailable for %q, degrading: %v", norm, err)
		return r.degradedFallback(mention, conv, merged)
	}

	if decision.EntityID == "" {
		return nil
	}
	chosen, ok := findCandidate(merged, decision.EntityID)
	if !ok {
		log.Printf("resolver: reasoner chose unknown entity %s for %q, ignoring", decision.EntityID, norm)
		return nil
	}

	confidence := decision.Confidence
	if confidence > r.cfg.ReasonerConfidenceCap {
		confidence = r.cfg.ReasonerConfidenceCap
	}
	if confidence < r.cfg.ReasonerMinConfidence {
		// Too uncertain to trust; let disambiguation surface the choice.
		return nil
	}

	method := types.MethodReasoner
	if pronoun {
		method = types.MethodCoreference
	} else {
		// Pronouns are never learned as aliases; real mention text is.
		r.learnAlias(mention, norm, chosen.EntityID, conv.Actor, confidence, types.AliasSourceLearned)
	}

	return &types.ResolutionResult{
		Mention:    mention,
		EntityID:   chosen.EntityID,
		Confidence: confidence,
		Method:     method,
		Reasoning:  decision.Reasoning,
	}
}

// mergeContextCandidates unions the fuzzy candidates with entities mentioned
// in the recent window, bounded by the configured window size.
func (r *Resolver) mergeContextCandidates(ctx context.Context, conv types.ConversationContext, candidates []types.ResolutionCandidate, pronoun bool) []types.ResolutionCandidate {
	merged := make([]types.ResolutionCandidate, len(candidates))
	copy(merged, candidates)

	seen := make(map[string]bool, len(merged))
	for _, c := range merged {
		seen[c.EntityID] = true
	}

	window := conv.RecentMentions
	if r.cfg.ContextWindow > 0 && len(window) > r.cfg.ContextWindow {
		window = window[:r.cfg.ContextWindow]
	}
	for _, m := range window {
		if seen[m.EntityID] || !typeCompatible(conv.ExpectedType, m.EntityType) {
			continue
		}
		// For non-pronoun mentions context entities only matter when the
		// string match already put something on the table.
		if !pronoun && len(candidates) == 0 {
			continue
		}
		entity, err := r.entities.GetEntity(ctx, m.EntityID)
		if err != nil {
			continue
		}
		seen[m.EntityID] = true
		merged = append(merged, types.ResolutionCandidate{
			EntityID:   entity.ID,
			Name:       entity.Name,
			Type:       entity.Type,
			MatchedVia: m.Text,
		})
	}
	return merged
}

// degradedFallback picks the most recent type-compatible mention when the
// reasoner cannot answer. The result is flagged so callers can weigh it down.
func (r *Resolver) degradedFallback(mention string, conv types.ConversationContext, candidates []types.ResolutionCandidate) *types.ResolutionResult {
	for _, m := range conv.RecentMentions {
		if !typeCompatible(conv.ExpectedType, m.EntityType) {
			continue
		}
		if _, ok := findCandidate(candidates, m.EntityID); !ok {
			continue
		}
		return &types.ResolutionResult{
			Mention:    mention,
			EntityID:   m.EntityID,
			Confidence: r.cfg.ReasonerMinConfidence,
			Method:     types.MethodCoreference,
			Degraded:   true,
		}
	}
	return nil
}

// resolveByDiscovery asks the authoritative record store about an unknown
// mention and materializes a local entity plus alias on an unambiguous hit.
func (r *Resolver) resolveByDiscovery(ctx context.Context, mention, norm string, conv types.ConversationContext) (*types.ResolutionResult, error) {
	if r.records == nil || isPronoun(norm) {
		return nil, nil
	}

	records, err := r.records.FindByName(ctx, mention, conv.ExpectedType)
	if errors.Is(err, authority.ErrNoRecord) {
		return nil, nil
	}
	if err != nil {
		// Store outage is a miss, not a failure; resolution stays available.
		log.Printf("resolver: discovery skipped for %q: %v", norm, err)
		return nil, nil
	}

	record, ok := pickRecord(records, norm)
	if !ok {
		return nil, nil
	}

	entity, err := r.materializeEntity(ctx, record)
	if err != nil {
		return nil, err
	}

	r.learnAlias(mention, norm, entity.ID, "", r.cfg.DiscoveryConfidence, types.AliasSourceDiscovered)

	return &types.ResolutionResult{
		Mention:    mention,
		EntityID:   entity.ID,
		Confidence: r.cfg.DiscoveryConfidence,
		Method:     types.MethodDiscovery,
	}, nil
}

// pickRecord accepts a single record outright, or among several the one whose
// name normalizes to the mention exactly. Anything murkier stays unresolved.
func pickRecord(records []authority.Record, norm string) (authority.Record, bool) {
	if len(records) == 1 {
		return records[0], true
	}
	for _, rec := range records {
		if textsim.Normalize(rec.Name) == norm {
			return rec, true
		}
	}
	return authority.Record{}, false
}

// materializeEntity creates a local entity for an authoritative record,
// reusing an existing entity with the same canonical name if one exists.
func (r *Resolver) materializeEntity(ctx context.Context, record authority.Record) (*types.Entity, error) {
	existing, err := r.entities.GetEntityByName(ctx, textsim.Normalize(record.Name))
	if err == nil {
		if existing.ExternalRef == "" && record.ExternalRef != "" {
			existing.ExternalRef = record.ExternalRef
			if err := r.entities.UpdateEntity(ctx, existing); err != nil {
				log.Printf("resolver: failed to backfill external ref on %s: %v", existing.ID, err)
			}
		}
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("resolver: discovery entity lookup failed: %w", err)
	}

	now := time.Now().UTC()
	entity := &types.Entity{
		ID:          "ent_" + uuid.NewString(),
		Name:        record.Name,
		Type:        record.Type,
		ExternalRef: record.ExternalRef,
		Properties:  record.Properties,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.entities.CreateEntity(ctx, entity); err != nil {
		return nil, fmt.Errorf("resolver: failed to materialize discovered entity: %w", err)
	}

	// Seed the canonical name as a global alias so later partial mentions can
	// reach this entity through the approximate stage.
	r.learnAlias(entity.Name, textsim.Normalize(entity.Name), entity.ID, "", r.cfg.ScopedAliasConfidence, types.AliasSourceExact)

	return entity, nil
}

func findCandidate(candidates []types.ResolutionCandidate, entityID string) (types.ResolutionCandidate, bool) {
	for _, c := range candidates {
		if c.EntityID == entityID {
			return c, true
		}
	}
	return types.ResolutionCandidate{}, false
}
