package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/internal/storage/sqlite"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

func testConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		DecayRate:             0.005,
		AgingThresholdDays:    90,
		AgingMinReinforcement: 2,
		ConfidenceMargin:      0.3,
		RecencyWindow:         7 * 24 * time.Hour,
		FirstBoost:            0.10,
		BoostDecay:            0.5,
	}
}

func newTestManager(t *testing.T) (*Manager, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Facts reference their subject entity, so the schema needs it to exist.
	require.NoError(t, store.CreateEntity(context.Background(), &types.Entity{
		ID: "ent_gai", Name: "Gai Media", Type: types.EntityTypeCustomer,
	}))
	return NewManager(store, store, nil, testConfig()), store
}

// fakeTruth is a canned TruthSource.
type fakeTruth struct {
	value string
	err   error
	calls int
}

func (f *fakeTruth) GroundTruth(context.Context, string, string) (string, error) {
	f.calls++
	return f.value, f.err
}

func observation(object string, source types.ObservationSource) types.CandidateFact {
	return types.CandidateFact{
		SubjectID: "ent_gai",
		Predicate: "payment_terms",
		Object:    object,
		Source:    source,
	}
}

func TestApplyObservationCreates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	outcome, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)
	assert.True(t, outcome.Created)
	assert.False(t, outcome.Reinforced)
	assert.Nil(t, outcome.Conflict)
	assert.Equal(t, 0.85, outcome.Fact.Confidence)
	assert.Equal(t, types.FactActive, outcome.Fact.Status)
}

func TestApplyObservationRejectsMalformed(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.ApplyObservation(context.Background(), types.CandidateFact{Predicate: "p", Object: "o"})
	var shape types.ErrInvalidFactShape
	assert.ErrorAs(t, err, &shape)
}

func TestReinforcementDiminishesAndCaps(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	outcome, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)
	prev := outcome.Fact.Confidence
	prevBoost := 1.0

	// Re-observing the same value reinforces the same fact, never creating a
	// second one, with strictly shrinking boosts bounded by the cap.
	for i := 0; i < 6; i++ {
		outcome, err = m.ApplyObservation(ctx, observation("net30", types.SourceExplicitStatement))
		require.NoError(t, err)
		assert.True(t, outcome.Reinforced)
		assert.Equal(t, i+1, outcome.Fact.ReinforcementCount)

		boost := outcome.Fact.Confidence - prev
		assert.GreaterOrEqual(t, boost, 0.0)
		assert.Less(t, boost, prevBoost)
		assert.LessOrEqual(t, outcome.Fact.Confidence, types.MaxFactConfidence)

		prev = outcome.Fact.Confidence
		if boost > 0 {
			prevBoost = boost
		}
	}
	assert.Equal(t, types.MaxFactConfidence, prev)
}

func TestExplicitCorrectionSupersedes(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	created, err := m.ApplyObservation(ctx, observation("NET30", types.SourceInferredObservation))
	require.NoError(t, err)

	outcome, err := m.ApplyObservation(ctx, observation("NET45", types.SourceExplicitStatement))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyExplicitCorrection, outcome.Conflict.Strategy)
	assert.True(t, outcome.Conflict.Resolved)
	assert.Equal(t, "NET45", outcome.Fact.Object)
	assert.Equal(t, created.Fact.ID, outcome.Fact.Supersedes)

	// The old fact is terminally superseded and linked to its successor.
	old, err := store.GetFact(ctx, created.Fact.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FactSuperseded, old.Status)
	assert.Equal(t, outcome.Fact.ID, old.SupersededBy)

	// The back-link survives persistence, not just the in-memory outcome.
	winner, err := store.GetFact(ctx, outcome.Fact.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Fact.ID, winner.Supersedes)

	// Single-active invariant: exactly one active fact remains for the slot.
	active, err := store.GetActiveFact(ctx, "ent_gai", "payment_terms")
	require.NoError(t, err)
	assert.Equal(t, outcome.Fact.ID, active.ID)
}

func TestAuthorityWinsBothDirections(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	first, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)

	// Authority beats an explicit statement; the contradicted memory fact is
	// invalidated, not merely superseded.
	outcome, err := m.ApplyObservation(ctx, observation("NET60", types.SourceAuthority))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyAuthorityWins, outcome.Conflict.Strategy)
	assert.Equal(t, "NET60", outcome.Fact.Object)

	old, err := store.GetFact(ctx, first.Fact.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FactInvalidated, old.Status)
	assert.Equal(t, outcome.Fact.ID, old.SupersededBy)

	// And an authority-backed fact repels a later explicit statement.
	outcome, err = m.ApplyObservation(ctx, observation("NET90", types.SourceExplicitStatement))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyAuthorityWins, outcome.Conflict.Strategy)
	assert.Equal(t, "NET60", outcome.Fact.Object)
	assert.Equal(t, outcome.Conflict.ExistingFactID, outcome.Conflict.WinnerFactID)
}

func TestConfidenceMarginDecidesAgainstWeakIncoming(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)
	// 0.85 stored vs 0.50 incoming clears the 0.3 margin: existing wins.
	outcome, err := m.ApplyObservation(ctx, observation("NET45", types.ObservationSource("hearsay")))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyConfidenceMargin, outcome.Conflict.Strategy)
	assert.Equal(t, "NET30", outcome.Fact.Object)
}

func TestRecencyDecidesCloseCalls(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ApplyObservation(ctx, observation("media", types.SourceInferredObservation))
	require.NoError(t, err)

	// Same source, so no margin and no correction; the fresh observation
	// wins on recency.
	cand := observation("logistics", types.SourceInferredObservation)
	cand.Predicate = "payment_terms"
	outcome, err := m.ApplyObservation(ctx, cand)
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyRecency, outcome.Conflict.Strategy)
	assert.Equal(t, "logistics", outcome.Fact.Object)
}

func TestFreshExistingRepelsStaleObservation(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	created, err := m.ApplyObservation(ctx, observation("NET30", types.SourceInferredObservation))
	require.NoError(t, err)

	// The stored fact was validated within the window; a month-old
	// observation cannot displace it.
	cand := observation("NET45", types.SourceInferredObservation)
	cand.ObservedAt = time.Now().UTC().Add(-30 * 24 * time.Hour)
	outcome, err := m.ApplyObservation(ctx, cand)
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyRecency, outcome.Conflict.Strategy)
	assert.True(t, outcome.Conflict.Resolved)
	assert.Equal(t, created.Fact.ID, outcome.Conflict.WinnerFactID)
	assert.Equal(t, "NET30", outcome.Fact.Object)

	active, err := store.GetActiveFact(ctx, "ent_gai", "payment_terms")
	require.NoError(t, err)
	assert.Equal(t, created.Fact.ID, active.ID)
}

func TestUnresolvedConflictSurfacesBothValues(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	created, err := m.ApplyObservation(ctx, observation("NET30", types.SourceInferredObservation))
	require.NoError(t, err)

	// A month later both sides are outside the freshness window and equally
	// weak: no rule applies.
	base := time.Now().UTC()
	m.now = func() time.Time { return base.Add(30 * 24 * time.Hour) }

	cand := observation("NET45", types.SourceInferredObservation)
	cand.ObservedAt = base.Add(15 * 24 * time.Hour)
	outcome, err := m.ApplyObservation(ctx, cand)
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyUnresolved, outcome.Conflict.Strategy)
	assert.False(t, outcome.Conflict.Resolved)
	assert.Nil(t, outcome.Fact)

	// The stored fact stays active; the observation was not persisted.
	active, err := store.GetActiveFact(ctx, "ent_gai", "payment_terms")
	require.NoError(t, err)
	assert.Equal(t, created.Fact.ID, active.ID)

	unresolved, err := store.ListConflicts(ctx, "ent_gai", true, 10)
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}

func TestConflictHandlerNotified(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var got []*types.Conflict
	m.OnConflict(func(c *types.Conflict) { got = append(got, c) })

	_, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)
	_, err = m.ApplyObservation(ctx, observation("NET45", types.SourceAuthority))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, types.StrategyAuthorityWins, got[0].Strategy)
}

func TestMultiValuedPredicatesAccumulate(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	interest := func(object string) types.CandidateFact {
		return types.CandidateFact{
			SubjectID:     "ent_gai",
			Predicate:     "interested_in",
			PredicateType: types.PredicateMultiValued,
			Object:        object,
			Source:        types.SourceInferredObservation,
		}
	}

	first, err := m.ApplyObservation(ctx, interest("podcasting"))
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := m.ApplyObservation(ctx, interest("video production"))
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.Nil(t, second.Conflict)

	again, err := m.ApplyObservation(ctx, interest("Podcasting"))
	require.NoError(t, err)
	assert.True(t, again.Reinforced)
	assert.Equal(t, first.Fact.ID, again.Fact.ID)

	facts, err := store.ListFacts(ctx, storage.FactFilter{SubjectID: "ent_gai", Predicate: "interested_in"})
	require.NoError(t, err)
	assert.Len(t, facts, 2)
}

func TestEffectiveConfidenceDecaysMonotonically(t *testing.T) {
	m, _ := newTestManager(t)

	fact := &types.Fact{Confidence: 0.85, LastValidatedAt: time.Now()}

	prev := m.EffectiveConfidence(fact, fact.LastValidatedAt)
	assert.Equal(t, 0.85, prev)

	for days := 1; days <= 365; days *= 2 {
		eff := m.EffectiveConfidence(fact, fact.LastValidatedAt.AddDate(0, 0, days))
		assert.Less(t, eff, prev, "confidence must strictly decrease at %d days", days)
		assert.Greater(t, eff, 0.0)
		prev = eff
	}

	// Stored confidence is untouched by reads.
	assert.Equal(t, 0.85, fact.Confidence)
}

func TestClassifyAging(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Now().UTC()

	fresh := &types.Fact{Status: types.FactActive, LastValidatedAt: now.AddDate(0, 0, -10)}
	assert.Equal(t, types.FactActive, m.Classify(fresh, now))

	stale := &types.Fact{Status: types.FactActive, LastValidatedAt: now.AddDate(0, 0, -120)}
	assert.Equal(t, types.FactAging, m.Classify(stale, now))

	// The threshold day itself already reads as aging; the day before not.
	boundary := &types.Fact{Status: types.FactActive, LastValidatedAt: now.AddDate(0, 0, -90)}
	assert.Equal(t, types.FactAging, m.Classify(boundary, now))
	almost := &types.Fact{Status: types.FactActive, LastValidatedAt: now.AddDate(0, 0, -89)}
	assert.Equal(t, types.FactActive, m.Classify(almost, now))

	// Enough reinforcement exempts a stale fact from aging.
	reinforced := &types.Fact{Status: types.FactActive, LastValidatedAt: now.AddDate(0, 0, -120), ReinforcementCount: 2}
	assert.Equal(t, types.FactActive, m.Classify(reinforced, now))

	// Persisted status wins for non-active facts.
	superseded := &types.Fact{Status: types.FactSuperseded, LastValidatedAt: now.AddDate(0, 0, -120)}
	assert.Equal(t, types.FactSuperseded, m.Classify(superseded, now))
}

func TestRevalidateConfirmAndDeny(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	created, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)
	require.NoError(t, m.MarkAging(ctx, created.Fact.ID))

	// Confirmation returns the fact to active with a reinforcement.
	fact, err := m.Revalidate(ctx, created.Fact.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.FactActive, fact.Status)
	assert.Equal(t, 1, fact.ReinforcementCount)

	// Denial invalidates terminally.
	fact, err = m.Revalidate(ctx, created.Fact.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.FactInvalidated, fact.Status)

	stored, err := store.GetFact(ctx, created.Fact.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FactInvalidated, stored.Status)

	_, err = m.Revalidate(ctx, created.Fact.ID, true)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGroundTruthConfirmsIncoming(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	created, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)

	// The record store agrees with the incoming value: it wins as an
	// authoritative resolution and the contradicted fact is invalidated.
	truth := &fakeTruth{value: "net45"}
	m.truth = truth

	outcome, err := m.ApplyObservation(ctx, observation("NET45", types.SourceExplicitStatement))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, 1, truth.calls)
	assert.Equal(t, types.StrategyAuthorityWins, outcome.Conflict.Strategy)
	assert.Equal(t, "NET45", outcome.Fact.Object)

	old, err := store.GetFact(ctx, created.Fact.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FactInvalidated, old.Status)
}

func TestGroundTruthConfirmsExisting(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	created, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)

	m.truth = &fakeTruth{value: "NET30"}

	// Without the record store this fresh observation would win on recency.
	outcome, err := m.ApplyObservation(ctx, observation("NET45", types.SourceExplicitStatement))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyAuthorityWins, outcome.Conflict.Strategy)
	assert.True(t, outcome.Conflict.Resolved)
	assert.Equal(t, created.Fact.ID, outcome.Fact.ID)

	active, err := store.GetActiveFact(ctx, "ent_gai", "payment_terms")
	require.NoError(t, err)
	assert.Equal(t, "NET30", active.Object)
}

func TestGroundTruthOutageFallsBackToMemoryRules(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ApplyObservation(ctx, observation("NET30", types.SourceExplicitStatement))
	require.NoError(t, err)

	m.truth = &fakeTruth{err: errors.New("record store down")}

	outcome, err := m.ApplyObservation(ctx, observation("NET45", types.SourceExplicitStatement))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyRecency, outcome.Conflict.Strategy)
	assert.Equal(t, "NET45", outcome.Fact.Object)
}

func TestGroundTruthSkippedForAuthoritySources(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.ApplyObservation(ctx, observation("NET60", types.SourceAuthority))
	require.NoError(t, err)

	// Rule 1 already settles the conflict; no lookup is spent on it.
	truth := &fakeTruth{value: "NET90"}
	m.truth = truth

	outcome, err := m.ApplyObservation(ctx, observation("NET90", types.SourceExplicitStatement))
	require.NoError(t, err)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, types.StrategyAuthorityWins, outcome.Conflict.Strategy)
	assert.Equal(t, "NET60", outcome.Fact.Object)
	assert.Equal(t, 0, truth.calls)
}

// flakyFactStore fails supersede operations on demand.
type flakyFactStore struct {
	*sqlite.Store
	failSupersede bool
}

func (f *flakyFactStore) SupersedeFact(ctx context.Context, winner *types.Fact, loserID string, loserStatus types.FactStatus) error {
	if f.failSupersede {
		return errors.New("write failed")
	}
	return f.Store.SupersedeFact(ctx, winner, loserID, loserStatus)
}

func TestFailedSupersedeKeepsSingleActiveFact(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	flaky := &flakyFactStore{Store: store}
	m.facts = flaky

	created, err := m.ApplyObservation(ctx, observation("NET30", types.SourceInferredObservation))
	require.NoError(t, err)

	// The losing write path must not leave a half-applied resolution: the
	// slot keeps exactly one active fact and the old one is untouched.
	flaky.failSupersede = true
	_, err = m.ApplyObservation(ctx, observation("NET45", types.SourceExplicitStatement))
	require.Error(t, err)

	facts, err := store.ListFacts(ctx, storage.FactFilter{
		SubjectID: "ent_gai",
		Predicate: "payment_terms",
		Statuses:  []string{string(types.FactActive), string(types.FactAging)},
	})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, created.Fact.ID, facts[0].ID)
	assert.Equal(t, "NET30", facts[0].Object)
}
