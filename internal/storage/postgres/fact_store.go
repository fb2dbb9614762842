package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

const factColumns = `
	id, subject_id, predicate, predicate_type, object,
	confidence, reinforcement_count, importance, status,
	superseded_by, supersedes, source, source_episode,
	created_at, updated_at, last_validated_at
`

// CreateFact stores a new fact row.
func (s *Store) CreateFact(ctx context.Context, fact *types.Fact) error {
	if fact == nil || fact.ID == "" || fact.SubjectID == "" || fact.Predicate == "" {
		return fmt.Errorf("%w: fact id, subject and predicate are required", storage.ErrInvalidInput)
	}
	if err := insertFact(ctx, s.db, fact); err != nil {
		return fmt.Errorf("postgres: failed to create fact: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertFact(ctx context.Context, db execer, fact *types.Fact) error {
	now := time.Now()
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	if fact.UpdatedAt.IsZero() {
		fact.UpdatedAt = now
	}
	if fact.LastValidatedAt.IsZero() {
		fact.LastValidatedAt = fact.CreatedAt
	}
	if fact.Status == "" {
		fact.Status = types.FactActive
	}
	if fact.PredicateType == "" {
		fact.PredicateType = types.PredicateSingleValued
	}
	if fact.Importance == 0 {
		fact.Importance = 0.5
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO facts (`+factColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, fact.ID, fact.SubjectID, fact.Predicate, string(fact.PredicateType), fact.Object,
		fact.Confidence, fact.ReinforcementCount, fact.Importance, string(fact.Status),
		nullable(fact.SupersededBy), nullable(fact.Supersedes), string(fact.Source), nullable(fact.SourceEpisode),
		fact.CreatedAt, fact.UpdatedAt, fact.LastValidatedAt)
	return err
}

// GetFact retrieves a fact by ID.
func (s *Store) GetFact(ctx context.Context, id string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = $1`, id)
	return scanFact(row)
}

// GetActiveFact returns the single active (or persisted-aging) fact for
// (subject, predicate).
func (s *Store) GetActiveFact(ctx context.Context, subjectID, predicate string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE subject_id = $1 AND predicate = $2 AND status IN ('active', 'aging')
		ORDER BY created_at DESC LIMIT 1
	`, subjectID, predicate)
	return scanFact(row)
}

// ListFacts returns facts matching the filter, newest first.
func (s *Store) ListFacts(ctx context.Context, f storage.FactFilter) ([]*types.Fact, error) {
	f.Normalize()

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SubjectID != "" {
		conds = append(conds, "subject_id = "+arg(f.SubjectID))
	}
	if len(f.SubjectIDs) > 0 {
		ph := make([]string, len(f.SubjectIDs))
		for i, id := range f.SubjectIDs {
			ph[i] = arg(id)
		}
		conds = append(conds, "subject_id IN ("+strings.Join(ph, ",")+")")
	}
	if f.Predicate != "" {
		conds = append(conds, "predicate = "+arg(f.Predicate))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = arg(st)
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if !f.CreatedAfter.IsZero() {
		conds = append(conds, "created_at > "+arg(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < "+arg(f.CreatedBefore))
	}

	query := `SELECT ` + factColumns + ` FROM facts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list facts: %w", err)
	}
	defer rows.Close()

	var facts []*types.Fact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

// ReinforceFact atomically applies a reinforcement to a fact.
func (s *Store) ReinforceFact(ctx context.Context, id string, newConfidence float64) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE facts SET
			confidence          = $1,
			reinforcement_count = reinforcement_count + 1,
			status              = 'active',
			last_validated_at   = $2,
			updated_at          = $2
		WHERE id = $3 AND status IN ('active', 'aging')
	`, newConfidence, now, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to reinforce fact: %w", err)
	}
	return requireRow(res)
}

// TransitionFact atomically moves a fact to a new status inside a transaction,
// validating against the types transition table first.
func (s *Store) TransitionFact(ctx context.Context, id string, to types.FactStatus, supersededBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM facts WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to read fact status: %w", err)
	}

	if !types.IsValidFactTransition(types.FactStatus(current), to) {
		return fmt.Errorf("%w: illegal fact transition %s -> %s", storage.ErrInvalidInput, current, to)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE facts SET status = $1, superseded_by = COALESCE(NULLIF($2, ''), superseded_by), updated_at = $3
		WHERE id = $4
	`, string(to), supersededBy, time.Now(), id); err != nil {
		return fmt.Errorf("postgres: failed to transition fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit fact transition: %w", err)
	}
	return nil
}

// SupersedeFact inserts the winner and retires the loser in one transaction.
// Either both rows change or neither does; a loser already in a terminal
// state rejects the whole operation and the winner is not persisted.
func (s *Store) SupersedeFact(ctx context.Context, winner *types.Fact, loserID string, loserStatus types.FactStatus) error {
	if winner == nil || winner.ID == "" || winner.SubjectID == "" || winner.Predicate == "" {
		return fmt.Errorf("%w: fact id, subject and predicate are required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM facts WHERE id = $1 FOR UPDATE`, loserID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to read fact status: %w", err)
	}

	if !types.IsValidFactTransition(types.FactStatus(current), loserStatus) {
		return fmt.Errorf("%w: illegal fact transition %s -> %s", storage.ErrInvalidInput, current, loserStatus)
	}

	if err := insertFact(ctx, tx, winner); err != nil {
		return fmt.Errorf("postgres: failed to create superseding fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE facts SET status = $1, superseded_by = $2, updated_at = $3 WHERE id = $4
	`, string(loserStatus), winner.ID, time.Now(), loserID); err != nil {
		return fmt.Errorf("postgres: failed to retire fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit fact supersede: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ConflictStore
// ---------------------------------------------------------------------------

// AppendConflict records a detected conflict. The log is append-only.
func (s *Store) AppendConflict(ctx context.Context, c *types.Conflict) error {
	if c == nil || c.ID == "" || c.SubjectID == "" || c.Predicate == "" {
		return fmt.Errorf("%w: conflict id, subject and predicate are required", storage.ErrInvalidInput)
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, subject_id, predicate, existing_fact_id, existing_value,
			incoming_fact_id, incoming_value, strategy, winner_fact_id, resolved, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.SubjectID, c.Predicate, c.ExistingFactID, c.ExistingValue,
		nullable(c.IncomingFactID), c.IncomingValue, string(c.Strategy),
		nullable(c.WinnerFactID), c.Resolved, c.DetectedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to append conflict: %w", err)
	}
	return nil
}

// ListConflicts returns conflicts for a subject, newest first.
func (s *Store) ListConflicts(ctx context.Context, subjectID string, unresolvedOnly bool, limit int) ([]*types.Conflict, error) {
	if limit < 1 {
		limit = 50
	}

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if subjectID != "" {
		conds = append(conds, "subject_id = "+arg(subjectID))
	}
	if unresolvedOnly {
		conds = append(conds, "resolved = FALSE")
	}

	query := `
		SELECT id, subject_id, predicate, existing_fact_id, existing_value,
			incoming_fact_id, incoming_value, strategy, winner_fact_id, resolved, detected_at
		FROM conflicts
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY detected_at DESC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*types.Conflict
	for rows.Next() {
		c := &types.Conflict{}
		var incomingFactID, winnerFactID sql.NullString
		var strategy string
		if err := rows.Scan(&c.ID, &c.SubjectID, &c.Predicate, &c.ExistingFactID, &c.ExistingValue,
			&incomingFactID, &c.IncomingValue, &strategy, &winnerFactID, &c.Resolved, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan conflict: %w", err)
		}
		c.IncomingFactID = incomingFactID.String
		c.WinnerFactID = winnerFactID.String
		c.Strategy = types.ConflictStrategy(strategy)
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ---------------------------------------------------------------------------
// EpisodeStore
// ---------------------------------------------------------------------------

// StoreEpisode persists an episodic record.
func (s *Store) StoreEpisode(ctx context.Context, ep *types.Episode) error {
	if ep == nil || ep.ID == "" || ep.Content == "" {
		return fmt.Errorf("%w: episode id and content are required", storage.ErrInvalidInput)
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	if ep.OccurredAt.IsZero() {
		ep.OccurredAt = ep.CreatedAt
	}
	if ep.Importance == 0 {
		ep.Importance = 0.5
	}

	entityIDs, err := marshalJSON(ep.EntityIDs)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal episode entities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, conversation_id, actor, content, entity_ids, importance, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			content    = EXCLUDED.content,
			entity_ids = EXCLUDED.entity_ids,
			importance = EXCLUDED.importance
	`, ep.ID, ep.ConversationID, ep.Actor, ep.Content, entityIDs, ep.Importance, ep.OccurredAt, ep.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to store episode: %w", err)
	}
	return nil
}

// GetEpisode retrieves an episode by ID.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, actor, content, entity_ids, importance, occurred_at, created_at
		FROM episodes WHERE id = $1
	`, id)
	return scanEpisode(row)
}

// ListEpisodes returns episodes matching the filter, newest first. Entity
// filtering uses the JSONB containment operator.
func (s *Store) ListEpisodes(ctx context.Context, f storage.EpisodeFilter) ([]*types.Episode, error) {
	f.Normalize()

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ConversationID != "" {
		conds = append(conds, "conversation_id = "+arg(f.ConversationID))
	}
	if f.Actor != "" {
		conds = append(conds, "actor = "+arg(f.Actor))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "occurred_at > "+arg(f.Since))
	}
	if len(f.EntityIDs) > 0 {
		ors := make([]string, len(f.EntityIDs))
		for i, id := range f.EntityIDs {
			b, _ := json.Marshal([]string{id})
			ors[i] = "entity_ids @> " + arg(string(b)) + "::jsonb"
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}

	query := `
		SELECT id, conversation_id, actor, content, entity_ids, importance, occurred_at, created_at
		FROM episodes
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT " + arg(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*types.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// ---------------------------------------------------------------------------
// SearchProvider
// ---------------------------------------------------------------------------

// StoreEmbedding upserts a vector for a fact or episode. Without pgvector the
// row is recorded but similarity search stays disabled.
func (s *Store) StoreEmbedding(ctx context.Context, refID string, kind string, embedding []float32) error {
	if refID == "" || len(embedding) == 0 {
		return fmt.Errorf("%w: ref id and embedding are required", storage.ErrInvalidInput)
	}

	if !s.pgvectorAvailable {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO embeddings (ref_id, kind, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (ref_id) DO UPDATE SET kind = EXCLUDED.kind
		`, refID, kind, time.Now())
		if err != nil {
			return fmt.Errorf("postgres: failed to store embedding: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (ref_id, kind, embedding_vec, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ref_id) DO UPDATE SET kind = EXCLUDED.kind, embedding_vec = EXCLUDED.embedding_vec
	`, refID, kind, toVector(embedding), time.Now())
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding: %w", err)
	}
	return nil
}

// SimilaritySearch returns the nearest stored embeddings by pgvector cosine
// distance. Cosine similarity is 1 - distance.
func (s *Store) SimilaritySearch(ctx context.Context, query []float32, limit int) ([]storage.VectorMatch, error) {
	if len(query) == 0 || !s.pgvectorAvailable {
		return nil, nil
	}
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ref_id, kind, 1 - (embedding_vec <=> $1::vector) AS sim
		FROM embeddings
		WHERE embedding_vec IS NOT NULL
		ORDER BY embedding_vec <=> $1::vector
		LIMIT $2
	`, toVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer rows.Close()

	var matches []storage.VectorMatch
	for rows.Next() {
		var m storage.VectorMatch
		if err := rows.Scan(&m.RefID, &m.Kind, &m.Similarity); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan vector match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func scanFact(row rowScanner) (*types.Fact, error) {
	f := &types.Fact{}
	var predicateType, status, source string
	var supersededBy, supersedes, sourceEpisode sql.NullString

	err := row.Scan(&f.ID, &f.SubjectID, &f.Predicate, &predicateType, &f.Object,
		&f.Confidence, &f.ReinforcementCount, &f.Importance, &status,
		&supersededBy, &supersedes, &source, &sourceEpisode,
		&f.CreatedAt, &f.UpdatedAt, &f.LastValidatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan fact: %w", err)
	}

	f.PredicateType = types.PredicateType(predicateType)
	f.Status = types.FactStatus(status)
	f.Source = types.ObservationSource(source)
	f.SupersededBy = supersededBy.String
	f.Supersedes = supersedes.String
	f.SourceEpisode = sourceEpisode.String
	return f, nil
}

func scanEpisode(row rowScanner) (*types.Episode, error) {
	ep := &types.Episode{}
	var conversationID, actor, entityIDs sql.NullString

	err := row.Scan(&ep.ID, &conversationID, &actor, &ep.Content, &entityIDs,
		&ep.Importance, &ep.OccurredAt, &ep.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan episode: %w", err)
	}

	ep.ConversationID = conversationID.String
	ep.Actor = actor.String
	if entityIDs.Valid && entityIDs.String != "" {
		if err := json.Unmarshal([]byte(entityIDs.String), &ep.EntityIDs); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal episode entities: %w", err)
		}
	}
	return ep, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
