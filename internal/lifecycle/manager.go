// Package lifecycle owns the fact state machine: creation, reinforcement
// with diminishing boosts, read-time confidence decay and aging, conflict
// resolution through a fixed rule hierarchy, and revalidation.
//
// Writes for one (subject, predicate) pair are serialized so concurrent
// observations of the same slot cannot both supersede the same fact.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// Outcome reports what ApplyObservation did with a candidate fact.
type Outcome struct {
	// Fact is the surviving fact for the slot: the created fact, the
	// reinforced fact, or the conflict winner. Nil when an unresolved
	// conflict kept the slot contested.
	Fact *types.Fact

	Created    bool
	Reinforced bool

	// Conflict is set when the observation contradicted a stored fact,
	// whether or not a rule resolved it.
	Conflict *types.Conflict
}

// ConflictHandler receives every appended conflict record. Handlers must not
// block; they run on the observation path.
type ConflictHandler func(*types.Conflict)

// TruthSource answers the authoritative store's current value for a
// subject's predicate. An empty value means the store holds nothing for the
// slot; an error means it could not answer. Implementations must be safe
// for concurrent use.
type TruthSource interface {
	GroundTruth(ctx context.Context, subjectID, predicate string) (string, error)
}

// Manager applies observations to the fact store. Safe for concurrent use.
type Manager struct {
	facts     storage.FactStore
	conflicts storage.ConflictStore
	truth     TruthSource
	cfg       config.LifecycleConfig

	// now is swapped in tests to exercise decay and aging.
	now func() time.Time

	mu       sync.Mutex
	handlers []ConflictHandler

	// slot locks serialize writes per (subject, predicate). Entries are
	// never evicted; cardinality is bounded by the live slot population.
	slots sync.Map
}

// NewManager creates a lifecycle manager. A nil truth source disables
// authoritative lookups during conflict resolution.
func NewManager(facts storage.FactStore, conflicts storage.ConflictStore, truth TruthSource, cfg config.LifecycleConfig) *Manager {
	return &Manager{
		facts:     facts,
		conflicts: conflicts,
		truth:     truth,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnConflict registers a handler invoked for every conflict record appended.
func (m *Manager) OnConflict(h ConflictHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) notifyConflict(c *types.Conflict) {
	m.mu.Lock()
	handlers := make([]ConflictHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(c)
	}
}

func (m *Manager) lockSlot(key string) func() {
	v, _ := m.slots.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ApplyObservation routes a candidate fact through the state machine:
// no stored fact creates one; a compatible stored fact is reinforced; an
// incompatible one triggers conflict resolution. Re-applying the same
// observation is idempotent up to counters.
func (m *Manager) ApplyObservation(ctx context.Context, cand types.CandidateFact) (*Outcome, error) {
	if err := cand.Validate(); err != nil {
		return nil, err
	}
	if cand.PredicateType == "" {
		cand.PredicateType = types.PredicateSingleValued
	}
	if cand.Importance == 0 {
		cand.Importance = 0.5
	}
	if cand.ObservedAt.IsZero() {
		cand.ObservedAt = m.now()
	}

	unlock := m.lockSlot(cand.SubjectID + "\x00" + cand.Predicate)
	defer unlock()

	if cand.PredicateType == types.PredicateMultiValued {
		return m.applyMultiValued(ctx, cand)
	}

	existing, err := m.facts.GetActiveFact(ctx, cand.SubjectID, cand.Predicate)
	if errors.Is(err, storage.ErrNotFound) {
		fact, err := m.createFact(ctx, cand)
		if err != nil {
			return nil, err
		}
		return &Outcome{Fact: fact, Created: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to load active fact: %w", err)
	}

	if sameValue(existing.Object, cand.Object) {
		fact, err := m.reinforce(ctx, existing)
		if err != nil {
			return nil, err
		}
		return &Outcome{Fact: fact, Reinforced: true}, nil
	}

	return m.resolveConflict(ctx, existing, cand)
}

// applyMultiValued treats differing values as siblings: only an observation
// matching an existing value reinforces; a new value creates a new fact.
func (m *Manager) applyMultiValued(ctx context.Context, cand types.CandidateFact) (*Outcome, error) {
	siblings, err := m.facts.ListFacts(ctx, storage.FactFilter{
		SubjectID: cand.SubjectID,
		Predicate: cand.Predicate,
		Statuses:  []string{string(types.FactActive), string(types.FactAging)},
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to list sibling facts: %w", err)
	}

	for _, sib := range siblings {
		if sameValue(sib.Object, cand.Object) {
			fact, err := m.reinforce(ctx, sib)
			if err != nil {
				return nil, err
			}
			return &Outcome{Fact: fact, Reinforced: true}, nil
		}
	}

	fact, err := m.createFact(ctx, cand)
	if err != nil {
		return nil, err
	}
	return &Outcome{Fact: fact, Created: true}, nil
}

// newFact builds the fact row for a candidate without persisting it, so
// conflict resolution can set supersession links before the insert.
func (m *Manager) newFact(cand types.CandidateFact) *types.Fact {
	now := m.now()
	return &types.Fact{
		ID:              "fact_" + uuid.NewString(),
		SubjectID:       cand.SubjectID,
		Predicate:       cand.Predicate,
		PredicateType:   cand.PredicateType,
		Object:          cand.Object,
		Confidence:      cand.Source.InitialConfidence(),
		Importance:      cand.Importance,
		Status:          types.FactActive,
		Source:          cand.Source,
		SourceEpisode:   cand.SourceEpisode,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastValidatedAt: now,
	}
}

func (m *Manager) createFact(ctx context.Context, cand types.CandidateFact) (*types.Fact, error) {
	fact := m.newFact(cand)
	if err := m.facts.CreateFact(ctx, fact); err != nil {
		return nil, fmt.Errorf("lifecycle: failed to create fact: %w", err)
	}
	return fact, nil
}

// reinforce applies a diminishing confidence boost: the first reinforcement
// adds FirstBoost, each subsequent one shrinks by BoostDecay, and stored
// confidence never exceeds MaxFactConfidence. Reinforcement also resets the
// validation clock, returning an aging fact to active.
func (m *Manager) reinforce(ctx context.Context, fact *types.Fact) (*types.Fact, error) {
	boost := m.cfg.FirstBoost * math.Pow(m.cfg.BoostDecay, float64(fact.ReinforcementCount))
	next := fact.Confidence + boost
	if next > types.MaxFactConfidence {
		next = types.MaxFactConfidence
	}

	if err := m.facts.ReinforceFact(ctx, fact.ID, next); err != nil {
		return nil, fmt.Errorf("lifecycle: failed to reinforce fact %s: %w", fact.ID, err)
	}

	updated := *fact
	updated.Confidence = next
	updated.ReinforcementCount++
	updated.Status = types.FactActive
	updated.LastValidatedAt = m.now()
	updated.UpdatedAt = updated.LastValidatedAt
	return &updated, nil
}

// EffectiveConfidence is the stored confidence with exponential decay applied
// for time since last validation. It is computed at read time and never
// persisted.
func (m *Manager) EffectiveConfidence(fact *types.Fact, at time.Time) float64 {
	days := at.Sub(fact.LastValidatedAt).Hours() / 24
	if days <= 0 {
		return fact.Confidence
	}
	return fact.Confidence * math.Exp(-days*m.cfg.DecayRate)
}

// Classify returns the fact's read-time status: an active fact at or past
// the aging threshold with too little reinforcement reads as aging.
// Persisted status is authoritative for everything else.
func (m *Manager) Classify(fact *types.Fact, at time.Time) types.FactStatus {
	if fact.Status != types.FactActive {
		return fact.Status
	}
	days := at.Sub(fact.LastValidatedAt).Hours() / 24
	if days >= float64(m.cfg.AgingThresholdDays) && fact.ReinforcementCount < m.cfg.AgingMinReinforcement {
		return types.FactAging
	}
	return types.FactActive
}

// MarkAging persists the aging status, done when a revalidation round-trip
// with the actor is initiated.
func (m *Manager) MarkAging(ctx context.Context, factID string) error {
	if err := m.facts.TransitionFact(ctx, factID, types.FactAging, ""); err != nil {
		return fmt.Errorf("lifecycle: failed to mark fact %s aging: %w", factID, err)
	}
	return nil
}

// Revalidate completes a revalidation round-trip. Confirmation reinforces the
// fact and returns it to active; denial invalidates it.
func (m *Manager) Revalidate(ctx context.Context, factID string, confirmed bool) (*types.Fact, error) {
	fact, err := m.facts.GetFact(ctx, factID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: failed to load fact %s: %w", factID, err)
	}
	if types.IsTerminalFactStatus(fact.Status) {
		return nil, fmt.Errorf("lifecycle: %w: fact %s is %s", storage.ErrInvalidInput, factID, fact.Status)
	}

	unlock := m.lockSlot(fact.Key())
	defer unlock()

	if !confirmed {
		if err := m.facts.TransitionFact(ctx, factID, types.FactInvalidated, ""); err != nil {
			return nil, fmt.Errorf("lifecycle: failed to invalidate fact %s: %w", factID, err)
		}
		updated := *fact
		updated.Status = types.FactInvalidated
		return &updated, nil
	}

	return m.reinforce(ctx, fact)
}

// Invalidate moves a fact to the terminal invalidated state, used when the
// authoritative store or an explicit denial contradicts it outside the
// observation path.
func (m *Manager) Invalidate(ctx context.Context, factID string) error {
	fact, err := m.facts.GetFact(ctx, factID)
	if err != nil {
		return fmt.Errorf("lifecycle: failed to load fact %s: %w", factID, err)
	}

	unlock := m.lockSlot(fact.Key())
	defer unlock()

	if err := m.facts.TransitionFact(ctx, factID, types.FactInvalidated, ""); err != nil {
		return fmt.Errorf("lifecycle: failed to invalidate fact %s: %w", factID, err)
	}
	return nil
}

// sameValue compares fact values case-insensitively with collapsed
// surrounding whitespace.
func sameValue(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
