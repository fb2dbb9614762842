package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable indicates the backing store cannot be reached.
	// Fatal for write paths; propagated to the caller.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDuplicateAlias indicates a write would violate the one-row-per
	// (text, scope, entity) alias invariant.
	ErrDuplicateAlias = errors.New("duplicate alias")
)

// AliasFilter selects alias rows for lookup operations.
type AliasFilter struct {
	// TextNorm is the normalized mention text to match exactly.
	TextNorm string

	// ScopeActor limits the lookup to one actor's scope. Empty means the
	// global scope only; see IncludeGlobal for combined lookups.
	ScopeActor string

	// IncludeGlobal also returns global rows when ScopeActor is set.
	IncludeGlobal bool

	// EntityID restricts to aliases of one entity.
	EntityID string

	// MinConfidence filters out weaker aliases. Zero means no minimum.
	MinConfidence float64

	Limit int
}

// Normalize applies defaults to the filter.
func (f *AliasFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
}

// FuzzyMatch is an approximate alias match with its similarity score.
type FuzzyMatch struct {
	AliasID    string
	EntityID   string
	Text       string
	Confidence float64

	// Similarity is the string-similarity score against the queried
	// mention, in [0,1].
	Similarity float64
}

// FactFilter selects facts for scans and retrieval sources.
type FactFilter struct {
	SubjectID string
	Predicate string

	// SubjectIDs restricts to facts about any of the given entities.
	SubjectIDs []string

	// Statuses restricts to the given lifecycle statuses. Empty means all.
	Statuses []string

	// CreatedAfter / CreatedBefore bound the creation window. Zero values
	// mean unbounded.
	CreatedAfter  time.Time
	CreatedBefore time.Time

	Limit int
}

// Normalize applies defaults to the filter.
func (f *FactFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
}

// EpisodeFilter selects episodic records for retrieval sources.
type EpisodeFilter struct {
	ConversationID string
	Actor          string

	// EntityIDs restricts to episodes mentioning any of the given entities.
	EntityIDs []string

	// Since bounds the recency window. Zero means unbounded.
	Since time.Time

	Limit int
}

// Normalize applies defaults to the filter.
func (f *EpisodeFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
}

// VectorMatch is one vector-similarity hit over stored embeddings.
type VectorMatch struct {
	// RefID is the fact or episode ID the embedding belongs to.
	RefID string

	// Kind is "fact" or "episode".
	Kind string

	// Similarity is cosine similarity in [0,1].
	Similarity float64
}
