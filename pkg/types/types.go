// Package types defines the core data structures for the Mnemosyne memory
// engine: canonical entities, learned aliases, semantic facts with a
// confidence-bearing lifecycle, and the transient resolution and retrieval
// results exchanged with callers.
package types

import "time"

// Entity type constants. New types may be added; resolution only requires
// that types are stable strings so coreference can filter by compatibility.
const (
	EntityTypePerson       = "person"
	EntityTypeOrganization = "organization"
	EntityTypeCustomer     = "customer"
	EntityTypeOrder        = "order"
	EntityTypeProduct      = "product"
	EntityTypeProject      = "project"
	EntityTypeLocation     = "location"
	EntityTypeConcept      = "concept"
)

// ValidEntityTypes is a slice of all valid entity types for validation.
var ValidEntityTypes = []string{
	EntityTypePerson,
	EntityTypeOrganization,
	EntityTypeCustomer,
	EntityTypeOrder,
	EntityTypeProduct,
	EntityTypeProject,
	EntityTypeLocation,
	EntityTypeConcept,
}

// IsValidEntityType checks if the given entity type is valid.
func IsValidEntityType(entityType string) bool {
	for _, validType := range ValidEntityTypes {
		if validType == entityType {
			return true
		}
	}
	return false
}

// Entity is the single stable identity a mention ultimately resolves to.
// Entities are created lazily on first confident resolution and are never
// deleted, only updated.
type Entity struct {
	// ID is the canonical identifier (format: ent_<uuid>).
	ID string `json:"id"`

	// Name is the canonical display name.
	Name string `json:"name"`

	// Type classifies the entity (see EntityType constants).
	Type string `json:"type"`

	// ExternalRef links to the record in the authoritative store, when known.
	ExternalRef string `json:"external_ref,omitempty"`

	// Properties caches display attributes fetched from the authoritative
	// store. Advisory only; the authoritative store remains the source of truth.
	Properties map[string]string `json:"properties,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AliasSource indicates how an alias was learned.
type AliasSource string

const (
	// AliasSourceExact marks an alias seeded from the canonical name itself.
	AliasSourceExact AliasSource = "exact"

	// AliasSourceFuzzy marks an alias learned from an auto-accepted
	// approximate match.
	AliasSourceFuzzy AliasSource = "fuzzy"

	// AliasSourceLearned marks an alias written by the reasoner or
	// coreference stages.
	AliasSourceLearned AliasSource = "learned"

	// AliasSourceExplicitChoice marks an alias persisted after the actor
	// picked a candidate during disambiguation.
	AliasSourceExplicitChoice AliasSource = "explicit_choice"

	// AliasSourceDiscovered marks an alias materialized from an
	// authoritative-store lookup.
	AliasSourceDiscovered AliasSource = "discovered"
)

// Alias maps a text string to a canonical entity, optionally scoped to one
// actor. At most one alias row exists per (text, scope actor, entity id).
// Aliases act as a self-improving cache: each successful resolution bumps
// use_count and nudges confidence upward, so future identical mentions hit
// faster resolution stages.
type Alias struct {
	ID string `json:"id"`

	// Text is the mention text as learned. TextNorm (lowercased, collapsed
	// whitespace) is what lookups match against.
	Text     string `json:"text"`
	TextNorm string `json:"text_norm"`

	// EntityID is the canonical entity this text resolves to.
	EntityID string `json:"entity_id"`

	// ScopeActor limits the alias to one requesting actor. Empty means global.
	ScopeActor string `json:"scope_actor,omitempty"`

	// Confidence is how strongly this text implies the entity, in [0,1].
	Confidence float64 `json:"confidence"`

	// UseCount is the number of successful resolutions through this alias.
	// It is an eventually-consistent counter; lost updates under race are
	// tolerated.
	UseCount int `json:"use_count"`

	Source AliasSource `json:"source"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// IsGlobal reports whether the alias applies to all actors.
func (a *Alias) IsGlobal() bool {
	return a.ScopeActor == ""
}
