package types

import "time"

// FactStatus represents the lifecycle state of a semantic fact.
type FactStatus string

const (
	// FactActive is the normal state: the fact is believed and retrievable.
	FactActive FactStatus = "active"

	// FactAging marks a fact that has not been validated recently and has
	// little reinforcement. Aging is normally a read-time classification;
	// it is only persisted when a revalidation round-trip is initiated.
	FactAging FactStatus = "aging"

	// FactSuperseded is terminal: a newer fact won a conflict against this one.
	FactSuperseded FactStatus = "superseded"

	// FactInvalidated is terminal: the authoritative store or an explicit
	// denial contradicted this fact.
	FactInvalidated FactStatus = "invalidated"
)

// MaxFactConfidence caps stored confidence. Memory-derived facts are never
// certain; only the authoritative store holds ground truth.
const MaxFactConfidence = 0.95

// factTransitions is the allowed-transition table for the fact state machine.
// Transitions are one-directional except aging -> active (revalidation).
var factTransitions = map[FactStatus][]FactStatus{
	FactActive:      {FactAging, FactSuperseded, FactInvalidated},
	FactAging:       {FactActive, FactSuperseded, FactInvalidated},
	FactSuperseded:  {},
	FactInvalidated: {},
}

// IsValidFactTransition reports whether a fact may move from one status to
// another. Both terminal states reject all outgoing transitions.
func IsValidFactTransition(from, to FactStatus) bool {
	for _, allowed := range factTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalFactStatus reports whether the status admits no further transitions.
func IsTerminalFactStatus(s FactStatus) bool {
	return len(factTransitions[s]) == 0
}

// PredicateType classifies how a predicate's values behave over time.
type PredicateType string

const (
	// PredicateSingleValued predicates hold exactly one current value
	// (e.g. payment_terms). A differing observation is a conflict.
	PredicateSingleValued PredicateType = "single_valued"

	// PredicateMultiValued predicates accumulate values (e.g. interested_in).
	// A differing observation creates a sibling fact, not a conflict.
	PredicateMultiValued PredicateType = "multi_valued"
)

// ObservationSource describes where a candidate fact came from, strongest first.
type ObservationSource string

const (
	// SourceExplicitStatement is a direct user assertion ("our terms are NET30").
	SourceExplicitStatement ObservationSource = "explicit_statement"

	// SourceInferredObservation was derived from conversational context.
	SourceInferredObservation ObservationSource = "inferred_observation"

	// SourceConsolidation was synthesized by a consolidation pass over many
	// episodes.
	SourceConsolidation ObservationSource = "consolidation"

	// SourceAuthority came from the authoritative record store and always
	// wins conflicts.
	SourceAuthority ObservationSource = "authority"
)

// InitialConfidence returns the creation confidence for a fact derived from
// this source. Explicit statements start stronger than inferences, which
// start stronger than consolidation synthesis.
func (s ObservationSource) InitialConfidence() float64 {
	switch s {
	case SourceAuthority:
		return MaxFactConfidence
	case SourceExplicitStatement:
		return 0.85
	case SourceInferredObservation:
		return 0.70
	case SourceConsolidation:
		return 0.60
	default:
		return 0.50
	}
}

// Fact is a subject-predicate-object record derived from conversation, with
// confidence and lifecycle state. Facts are never deleted; superseded and
// invalidated rows are retained for provenance.
type Fact struct {
	// ID is the fact identifier (format: fact_<uuid>).
	ID string `json:"id"`

	// SubjectID is the canonical entity the fact is about.
	SubjectID string `json:"subject_id"`

	// Predicate names the attribute or relation (e.g. "payment_terms").
	Predicate string `json:"predicate"`

	// PredicateType governs conflict semantics for this predicate.
	PredicateType PredicateType `json:"predicate_type"`

	// Object is the fact's value, compared case-insensitively for conflicts.
	Object string `json:"object"`

	// Confidence is the stored belief strength, in [0, MaxFactConfidence].
	// Effective confidence at read time additionally applies decay; see
	// the lifecycle package.
	Confidence float64 `json:"confidence"`

	// ReinforcementCount is how many compatible re-observations this fact
	// has received.
	ReinforcementCount int `json:"reinforcement_count"`

	// Importance is the stored retrieval weight in [0,1], set at extraction
	// time. Defaults to 0.5 when unset.
	Importance float64 `json:"importance"`

	Status FactStatus `json:"status"`

	// SupersededBy/Supersedes link conflict winners and losers for provenance.
	SupersededBy string `json:"superseded_by,omitempty"`
	Supersedes   string `json:"supersedes,omitempty"`

	// Source describes the strongest observation backing this fact.
	Source ObservationSource `json:"source"`

	// SourceEpisode references the episodic record the fact was extracted
	// from, when known.
	SourceEpisode string `json:"source_episode,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastValidatedAt time.Time `json:"last_validated_at"`
}

// Key returns the (subject, predicate) identity used for conflict detection
// and write serialization.
func (f *Fact) Key() string {
	return f.SubjectID + "\x00" + f.Predicate
}

// CandidateFact is an extracted observation proposed to the lifecycle
// manager. It is not yet a stored fact.
type CandidateFact struct {
	SubjectID     string            `json:"subject_id"`
	Predicate     string            `json:"predicate"`
	PredicateType PredicateType     `json:"predicate_type"`
	Object        string            `json:"object"`
	Source        ObservationSource `json:"source"`
	SourceEpisode string            `json:"source_episode,omitempty"`
	Importance    float64           `json:"importance,omitempty"`

	// ObservedAt is when the observation was made. Zero means "now".
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// Validate rejects malformed triples before any write is attempted.
func (c *CandidateFact) Validate() error {
	switch {
	case c.SubjectID == "":
		return ErrInvalidFactShape("subject id is required")
	case c.Predicate == "":
		return ErrInvalidFactShape("predicate is required")
	case c.Object == "":
		return ErrInvalidFactShape("object value is required")
	}
	if c.PredicateType != "" && c.PredicateType != PredicateSingleValued && c.PredicateType != PredicateMultiValued {
		return ErrInvalidFactShape("unknown predicate type " + string(c.PredicateType))
	}
	return nil
}

// ErrInvalidFactShape is the validation error for malformed candidate triples.
type ErrInvalidFactShape string

func (e ErrInvalidFactShape) Error() string {
	return "invalid fact shape: " + string(e)
}
