package types

import "time"

// ConflictStrategy names the rule in the resolution hierarchy that decided a
// conflict. The hierarchy is evaluated in order; the first applicable rule wins.
type ConflictStrategy string

const (
	// StrategyAuthorityWins: the authoritative store's value overrides any
	// memory-derived value regardless of confidence or recency.
	StrategyAuthorityWins ConflictStrategy = "authority_wins"

	// StrategyExplicitCorrection: an explicit user statement overrides a
	// passively inferred prior fact.
	StrategyExplicitCorrection ConflictStrategy = "explicit_correction"

	// StrategyConfidenceMargin: the fact with materially higher confidence
	// (margin above the configured threshold) wins.
	StrategyConfidenceMargin ConflictStrategy = "confidence_margin"

	// StrategyRecency: the more recent fact wins when it is fresh enough.
	StrategyRecency ConflictStrategy = "recency"

	// StrategyUnresolved: no rule applied; both candidates are surfaced to
	// the caller instead of silently choosing.
	StrategyUnresolved ConflictStrategy = "unresolved"
)

// Conflict logs a detected incompatibility between two facts, or between a
// fact and the authoritative store. Conflict records are append-only.
type Conflict struct {
	// ID is the conflict identifier (format: conf_<uuid>).
	ID string `json:"id"`

	SubjectID string `json:"subject_id"`
	Predicate string `json:"predicate"`

	// ExistingFactID is the stored fact that was challenged.
	ExistingFactID string `json:"existing_fact_id"`
	ExistingValue  string `json:"existing_value"`

	// IncomingValue is the observation (or authoritative value) that
	// challenged it. IncomingFactID is set once a winning observation has
	// been persisted as a fact.
	IncomingFactID string `json:"incoming_fact_id,omitempty"`
	IncomingValue  string `json:"incoming_value"`

	// Strategy is the hierarchy rule that decided the conflict.
	Strategy ConflictStrategy `json:"strategy"`

	// WinnerFactID is empty when the conflict is unresolved.
	WinnerFactID string `json:"winner_fact_id,omitempty"`

	// Resolved is false only for StrategyUnresolved records, which require
	// caller attention.
	Resolved bool `json:"resolved"`

	DetectedAt time.Time `json:"detected_at"`
}
