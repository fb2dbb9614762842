// Package storage provides composable storage interfaces for the Mnemosyne
// engine.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Both backends (SQLite for
// embedded use, Postgres for production) implement the full Store composition.
package storage

import (
	"context"

	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// EntityStore provides CRUD over canonical entities. Entities are never
// deleted, only updated.
type EntityStore interface {
	// CreateEntity stores a new canonical entity.
	CreateEntity(ctx context.Context, entity *types.Entity) error

	// GetEntity retrieves an entity by ID. Returns ErrNotFound if missing.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// GetEntityByName retrieves an entity by exact canonical name
	// (case-insensitive). Returns ErrNotFound if missing.
	GetEntityByName(ctx context.Context, name string) (*types.Entity, error)

	// UpdateEntity modifies an existing entity. Returns ErrNotFound if missing.
	UpdateEntity(ctx context.Context, entity *types.Entity) error

	// ListEntitiesByType returns entities of the given type, most recently
	// updated first. Empty type means all.
	ListEntitiesByType(ctx context.Context, entityType string, limit int) ([]*types.Entity, error)
}

// AliasStore provides exact and approximate lookups over learned aliases.
// Alias counters are soft signals: UpsertAlias and TouchAlias may lose
// updates under race without harming correctness.
type AliasStore interface {
	// UpsertAlias creates the alias or, when a row already exists for
	// (text_norm, scope_actor, entity_id), merges into it: confidence is
	// raised to at least the given value and use_count is preserved.
	UpsertAlias(ctx context.Context, alias *types.Alias) error

	// LookupAliases returns aliases matching the filter exactly on
	// normalized text, ordered by confidence desc, use_count desc,
	// last_used_at desc.
	LookupAliases(ctx context.Context, f AliasFilter) ([]*types.Alias, error)

	// FuzzyLookup returns approximate matches on normalized text with
	// similarity >= minSimilarity, ordered by similarity desc. The corpus
	// is restricted to global aliases plus those scoped to scopeActor, so
	// one actor's private vocabulary never resolves for another.
	FuzzyLookup(ctx context.Context, textNorm, scopeActor string, minSimilarity float64, limit int) ([]FuzzyMatch, error)

	// TouchAlias bumps use_count and last_used_at, and raises confidence to
	// newConfidence when higher (bounded growth is the caller's concern).
	// Best-effort: callers may fire-and-forget.
	TouchAlias(ctx context.Context, aliasID string, newConfidence float64) error
}

// FactStore provides the persistent fact table with atomic transitions.
type FactStore interface {
	// CreateFact stores a new fact. Returns ErrInvalidInput on malformed rows.
	CreateFact(ctx context.Context, fact *types.Fact) error

	// GetFact retrieves a fact by ID. Returns ErrNotFound if missing.
	GetFact(ctx context.Context, id string) (*types.Fact, error)

	// GetActiveFact returns the single active fact for (subject, predicate),
	// or ErrNotFound. Aging rows count as active for conflict detection
	// since aging is a read-time classification.
	GetActiveFact(ctx context.Context, subjectID, predicate string) (*types.Fact, error)

	// ListFacts returns facts matching the filter, newest first.
	ListFacts(ctx context.Context, f FactFilter) ([]*types.Fact, error)

	// ReinforceFact atomically applies a reinforcement: sets the new stored
	// confidence, increments reinforcement_count, resets last_validated_at,
	// and returns the fact to active status if it was persisted as aging.
	ReinforceFact(ctx context.Context, id string, newConfidence float64) error

	// TransitionFact atomically moves a fact to a new status and records the
	// superseding fact ID when applicable. Illegal transitions per the
	// types transition table return ErrInvalidInput.
	TransitionFact(ctx context.Context, id string, to types.FactStatus, supersededBy string) error

	// SupersedeFact persists the winning fact and retires the losing one in
	// a single transaction: the winner row is inserted as given and the
	// loser moves to loserStatus with superseded_by pointing at the winner.
	// An illegal loser transition returns ErrInvalidInput and writes
	// nothing, so the slot can never end up with two active facts.
	SupersedeFact(ctx context.Context, winner *types.Fact, loserID string, loserStatus types.FactStatus) error
}

// ConflictStore is the append-only conflict log.
type ConflictStore interface {
	// AppendConflict records a detected conflict and its outcome.
	AppendConflict(ctx context.Context, c *types.Conflict) error

	// ListConflicts returns conflicts for a subject, newest first.
	// unresolvedOnly restricts to records requiring caller attention.
	ListConflicts(ctx context.Context, subjectID string, unresolvedOnly bool, limit int) ([]*types.Conflict, error)
}

// EpisodeStore persists distilled conversational events consumed by
// retrieval. Episode production is owned by the conversational layer.
type EpisodeStore interface {
	// StoreEpisode persists an episodic record.
	StoreEpisode(ctx context.Context, ep *types.Episode) error

	// GetEpisode retrieves an episode by ID. Returns ErrNotFound if missing.
	GetEpisode(ctx context.Context, id string) (*types.Episode, error)

	// ListEpisodes returns episodes matching the filter, newest first.
	ListEpisodes(ctx context.Context, f EpisodeFilter) ([]*types.Episode, error)
}

// SearchProvider provides vector similarity search over embedded facts and
// episodes.
type SearchProvider interface {
	// StoreEmbedding associates a vector with a fact or episode.
	StoreEmbedding(ctx context.Context, refID string, kind string, embedding []float32) error

	// SimilaritySearch returns the nearest stored embeddings to the query
	// vector, ordered by cosine similarity descending.
	SimilaritySearch(ctx context.Context, query []float32, limit int) ([]VectorMatch, error)
}

// Store is the full composition both backends implement.
type Store interface {
	EntityStore
	AliasStore
	FactStore
	ConflictStore
	EpisodeStore
	SearchProvider

	// Close releases any resources held by the store.
	Close() error
}
