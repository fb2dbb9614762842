package types

import "time"

// ResolutionMethod identifies the resolver stage that produced a result.
type ResolutionMethod string

const (
	MethodExact          ResolutionMethod = "exact"
	MethodScopedAlias    ResolutionMethod = "scoped_alias"
	MethodFuzzy          ResolutionMethod = "fuzzy"
	MethodCoreference    ResolutionMethod = "coreference"
	MethodReasoner       ResolutionMethod = "reasoner"
	MethodDisambiguation ResolutionMethod = "disambiguation"
	MethodDiscovery      ResolutionMethod = "discovery"
	MethodNone           ResolutionMethod = "none"
)

// ResolutionCandidate is one plausible entity for an ambiguous mention.
type ResolutionCandidate struct {
	EntityID   string  `json:"entity_id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Score      float64 `json:"score"`
	MatchedVia string  `json:"matched_via,omitempty"`
}

// ResolutionResult is the resolver's answer for a single mention.
//
// When RequiresDisambiguation is true the caller should present Alternatives
// to the actor and confirm a choice; ambiguity is structured data, not an
// error. Degraded is set when the reasoner stage timed out or failed and the
// resolver fell back to the best deterministic candidate.
type ResolutionResult struct {
	Mention string `json:"mention"`

	// EntityID is empty when no entity could be resolved.
	EntityID string `json:"entity_id,omitempty"`

	Confidence float64          `json:"confidence"`
	Method     ResolutionMethod `json:"method"`

	Alternatives           []ResolutionCandidate `json:"alternatives,omitempty"`
	RequiresDisambiguation bool                  `json:"requires_disambiguation"`
	Degraded               bool                  `json:"degraded,omitempty"`

	// Reasoning carries the reasoner's free-text justification when the
	// reasoner stage decided. Informational only.
	Reasoning string `json:"reasoning,omitempty"`
}

// Resolved reports whether the result carries a usable entity identity.
func (r *ResolutionResult) Resolved() bool {
	return r.EntityID != "" && !r.RequiresDisambiguation
}

// Mention is one prior entity reference in the conversation window, used by
// the coreference stage.
type Mention struct {
	EntityID   string    `json:"entity_id"`
	EntityType string    `json:"entity_type"`
	Text       string    `json:"text"`
	Turn       int       `json:"turn"`
	At         time.Time `json:"at"`
}

// ConversationContext is the bounded recent-dialogue window a resolver call
// may consult for pronouns and definite references.
type ConversationContext struct {
	// Actor is the requesting actor; scoped aliases are looked up for it.
	Actor string `json:"actor"`

	// ConversationID groups turns belonging to one dialogue.
	ConversationID string `json:"conversation_id,omitempty"`

	// RecentMentions is ordered most recent first and bounded by the
	// resolver's window size.
	RecentMentions []Mention `json:"recent_mentions,omitempty"`

	// RecentTurns carries raw recent utterances for the reasoner stage.
	RecentTurns []string `json:"recent_turns,omitempty"`

	// ExpectedType restricts candidates to one entity type when the caller
	// knows what kind of thing is being referenced. Empty means any.
	ExpectedType string `json:"expected_type,omitempty"`
}

// Episode is a distilled conversational event with resolved entities
// attached. Episodes are consumed by fact extraction and retrieval; their
// production is owned by the conversational layer, not this engine.
type Episode struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	Content        string    `json:"content"`
	EntityIDs      []string  `json:"entity_ids,omitempty"`
	Importance     float64   `json:"importance,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryKind distinguishes what a retrieval candidate is a view over.
type MemoryKind string

const (
	KindFact    MemoryKind = "fact"
	KindEpisode MemoryKind = "episode"
	KindSummary MemoryKind = "summary"
)

// RetrievalSource identifies which retrieval source produced a candidate.
type RetrievalSource string

const (
	RetrievalSimilarity  RetrievalSource = "similarity"
	RetrievalEntityIndex RetrievalSource = "entity_index"
	RetrievalRecency     RetrievalSource = "recency"
)
