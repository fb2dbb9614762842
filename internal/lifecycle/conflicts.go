package lifecycle

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// resolveConflict runs the rule hierarchy over a stored fact and a
// contradicting observation. Rules are evaluated in a fixed order; the first
// applicable rule decides. When none applies, both values are kept visible:
// the stored fact stays active, the observation is not persisted, and an
// unresolved conflict record surfaces the disagreement to the caller.
func (m *Manager) resolveConflict(ctx context.Context, existing *types.Fact, cand types.CandidateFact) (*Outcome, error) {
	// The authoritative lookup runs concurrently with the memory rules; its
	// verdict, when there is one, overrides them.
	verdict := m.fetchGroundTruth(ctx, existing, cand)
	strategy, incomingWins := m.decide(existing, cand)
	if verdict != nil {
		v := <-verdict
		switch {
		case v.err != nil:
			log.Printf("lifecycle: ground truth lookup failed for %s/%s: %v",
				existing.SubjectID, existing.Predicate, v.err)
		case v.value == "":
			// The store holds nothing for this slot.
		case sameValue(v.value, cand.Object):
			strategy, incomingWins = types.StrategyAuthorityWins, true
		case sameValue(v.value, existing.Object):
			strategy, incomingWins = types.StrategyAuthorityWins, false
		}
	}

	conflict := &types.Conflict{
		ID:             "conf_" + uuid.NewString(),
		SubjectID:      existing.SubjectID,
		Predicate:      existing.Predicate,
		ExistingFactID: existing.ID,
		ExistingValue:  existing.Object,
		IncomingValue:  cand.Object,
		Strategy:       strategy,
		Resolved:       strategy != types.StrategyUnresolved,
		DetectedAt:     m.now(),
	}

	outcome := &Outcome{Conflict: conflict}

	switch {
	case strategy == types.StrategyUnresolved:
		// Keep the stored fact; surface both values.

	case incomingWins:
		winner := m.newFact(cand)
		winner.Supersedes = existing.ID
		// An authoritative override invalidates the loser; memory-vs-memory
		// outcomes supersede it.
		loserStatus := types.FactSuperseded
		if strategy == types.StrategyAuthorityWins {
			loserStatus = types.FactInvalidated
		}
		if err := m.facts.SupersedeFact(ctx, winner, existing.ID, loserStatus); err != nil {
			return nil, fmt.Errorf("lifecycle: failed to supersede fact %s: %w", existing.ID, err)
		}
		conflict.IncomingFactID = winner.ID
		conflict.WinnerFactID = winner.ID
		outcome.Fact = winner
		outcome.Created = true

	default:
		// Existing fact wins; the observation is recorded but not persisted.
		conflict.WinnerFactID = existing.ID
		outcome.Fact = existing
	}

	if err := m.conflicts.AppendConflict(ctx, conflict); err != nil {
		// The conflict log is diagnostic; a failed append must not undo an
		// already-applied resolution.
		log.Printf("lifecycle: failed to append conflict record for %s/%s: %v",
			existing.SubjectID, existing.Predicate, err)
	} else {
		m.notifyConflict(conflict)
	}

	return outcome, nil
}

type truthVerdict struct {
	value string
	err   error
}

// fetchGroundTruth starts an authoritative lookup for the contested slot,
// run in parallel with the memory rules. Returns nil when no lookup applies:
// no truth source is configured, or one side already carries authority and
// rule 1 settles it.
func (m *Manager) fetchGroundTruth(ctx context.Context, existing *types.Fact, cand types.CandidateFact) <-chan truthVerdict {
	if m.truth == nil || existing.Source == types.SourceAuthority || cand.Source == types.SourceAuthority {
		return nil
	}
	ch := make(chan truthVerdict, 1)
	go func() {
		value, err := m.truth.GroundTruth(ctx, existing.SubjectID, existing.Predicate)
		ch <- truthVerdict{value: value, err: err}
	}()
	return ch
}

// decide applies the rule hierarchy and reports which rule fired and whether
// the incoming observation wins.
func (m *Manager) decide(existing *types.Fact, cand types.CandidateFact) (types.ConflictStrategy, bool) {
	// Rule 1: authority beats memory, in either direction.
	existingAuthority := existing.Source == types.SourceAuthority
	incomingAuthority := cand.Source == types.SourceAuthority
	if incomingAuthority && !existingAuthority {
		return types.StrategyAuthorityWins, true
	}
	if existingAuthority && !incomingAuthority {
		return types.StrategyAuthorityWins, false
	}

	// Rule 2: an explicit statement corrects a passively derived fact.
	if cand.Source == types.SourceExplicitStatement && existing.Source != types.SourceExplicitStatement && !existingAuthority {
		return types.StrategyExplicitCorrection, true
	}

	// Rule 3: a material confidence gap decides. The stored side decays;
	// the incoming side carries its source's initial confidence.
	existingConf := m.EffectiveConfidence(existing, m.now())
	incomingConf := cand.Source.InitialConfidence()
	if incomingConf-existingConf >= m.cfg.ConfidenceMargin {
		return types.StrategyConfidenceMargin, true
	}
	if existingConf-incomingConf >= m.cfg.ConfidenceMargin {
		return types.StrategyConfidenceMargin, false
	}

	// Rule 4: within the freshness window, the more recently validated side
	// wins. Two stale sides stay contested.
	if cand.ObservedAt.After(existing.LastValidatedAt) {
		if m.now().Sub(cand.ObservedAt) <= m.cfg.RecencyWindow {
			return types.StrategyRecency, true
		}
	} else if m.now().Sub(existing.LastValidatedAt) <= m.cfg.RecencyWindow {
		return types.StrategyRecency, false
	}

	return types.StrategyUnresolved, false
}
