package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
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
		return fmt.Errorf("sqlite: failed to create fact: %w", err)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, fact.ID, fact.SubjectID, fact.Predicate, string(fact.PredicateType), fact.Object,
		fact.Confidence, fact.ReinforcementCount, fact.Importance, string(fact.Status),
		nullable(fact.SupersededBy), nullable(fact.Supersedes), string(fact.Source), nullable(fact.SourceEpisode),
		fact.CreatedAt, fact.UpdatedAt, fact.LastValidatedAt)
	return err
}

// GetFact retrieves a fact by ID.
func (s *Store) GetFact(ctx context.Context, id string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM facts WHERE id = ?
	`, id)
	return scanFact(row)
}

// GetActiveFact returns the single active (or persisted-aging) fact for
// (subject, predicate).
func (s *Store) GetActiveFact(ctx context.Context, subjectID, predicate string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE subject_id = ? AND predicate = ? AND status IN ('active', 'aging')
		ORDER BY created_at DESC LIMIT 1
	`, subjectID, predicate)
	return scanFact(row)
}

// ListFacts returns facts matching the filter, newest first.
func (s *Store) ListFacts(ctx context.Context, f storage.FactFilter) ([]*types.Fact, error) {
	f.Normalize()

	query := `SELECT ` + factColumns + ` FROM facts WHERE 1=1`
	args := []any{}

	if f.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, f.SubjectID)
	}
	if len(f.SubjectIDs) > 0 {
		query += " AND subject_id IN (" + placeholders(len(f.SubjectIDs)) + ")"
		for _, id := range f.SubjectIDs {
			args = append(args, id)
		}
	}
	if f.Predicate != "" {
		query += " AND predicate = ?"
		args = append(args, f.Predicate)
	}
	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if !f.CreatedAfter.IsZero() {
		query += " AND created_at > ?"
		args = append(args, f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		query += " AND created_at < ?"
		args = append(args, f.CreatedBefore)
	}

	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list facts: %w", err)
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
			confidence          = ?,
			reinforcement_count = reinforcement_count + 1,
			status              = 'active',
			last_validated_at   = ?,
			updated_at          = ?
		WHERE id = ? AND status IN ('active', 'aging')
	`, newConfidence, now, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to reinforce fact: %w", err)
	}
	return requireRow(res)
}

// TransitionFact atomically moves a fact to a new status. Illegal transitions
// per the types transition table are rejected before touching the row.
func (s *Store) TransitionFact(ctx context.Context, id string, to types.FactStatus, supersededBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM facts WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to read fact status: %w", err)
	}

	if !types.IsValidFactTransition(types.FactStatus(current), to) {
		return fmt.Errorf("%w: illegal fact transition %s -> %s", storage.ErrInvalidInput, current, to)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE facts SET status = ?, superseded_by = COALESCE(NULLIF(?, ''), superseded_by), updated_at = ?
		WHERE id = ?
	`, string(to), supersededBy, now, id); err != nil {
		return fmt.Errorf("sqlite: failed to transition fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit fact transition: %w", err)
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
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM facts WHERE id = ?`, loserID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to read fact status: %w", err)
	}

	if !types.IsValidFactTransition(types.FactStatus(current), loserStatus) {
		return fmt.Errorf("%w: illegal fact transition %s -> %s", storage.ErrInvalidInput, current, loserStatus)
	}

	if err := insertFact(ctx, tx, winner); err != nil {
		return fmt.Errorf("sqlite: failed to create superseding fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE facts SET status = ?, superseded_by = ?, updated_at = ? WHERE id = ?
	`, string(loserStatus), winner.ID, time.Now(), loserID); err != nil {
		return fmt.Errorf("sqlite: failed to retire fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit fact supersede: %w", err)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SubjectID, c.Predicate, c.ExistingFactID, c.ExistingValue,
		nullable(c.IncomingFactID), c.IncomingValue, string(c.Strategy),
		nullable(c.WinnerFactID), boolToInt(c.Resolved), c.DetectedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to append conflict: %w", err)
	}
	return nil
}

// ListConflicts returns conflicts for a subject, newest first.
func (s *Store) ListConflicts(ctx context.Context, subjectID string, unresolvedOnly bool, limit int) ([]*types.Conflict, error) {
	if limit < 1 {
		limit = 50
	}

	query := `
		SELECT id, subject_id, predicate, existing_fact_id, existing_value,
			incoming_fact_id, incoming_value, strategy, winner_fact_id, resolved, detected_at
		FROM conflicts WHERE 1=1
	`
	args := []any{}
	if subjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, subjectID)
	}
	if unresolvedOnly {
		query += " AND resolved = 0"
	}
	query += " ORDER BY detected_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*types.Conflict
	for rows.Next() {
		c := &types.Conflict{}
		var incomingFactID, winnerFactID sql.NullString
		var strategy string
		var resolved int
		if err := rows.Scan(&c.ID, &c.SubjectID, &c.Predicate, &c.ExistingFactID, &c.ExistingValue,
			&incomingFactID, &c.IncomingValue, &strategy, &winnerFactID, &resolved, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan conflict: %w", err)
		}
		c.IncomingFactID = incomingFactID.String
		c.WinnerFactID = winnerFactID.String
		c.Strategy = types.ConflictStrategy(strategy)
		c.Resolved = resolved != 0
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
		return fmt.Errorf("sqlite: failed to marshal episode entities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, conversation_id, actor, content, entity_ids, importance, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content    = excluded.content,
			entity_ids = excluded.entity_ids,
			importance = excluded.importance
	`, ep.ID, ep.ConversationID, ep.Actor, ep.Content, entityIDs, ep.Importance, ep.OccurredAt, ep.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store episode: %w", err)
	}
	return nil
}

// GetEpisode retrieves an episode by ID.
func (s *Store) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, actor, content, entity_ids, importance, occurred_at, created_at
		FROM episodes WHERE id = ?
	`, id)
	return scanEpisode(row)
}

// ListEpisodes returns episodes matching the filter, newest first.
//
// Entity filtering matches against the JSON-encoded entity_ids column with
// LIKE; entity IDs are opaque UUIDs so substring collisions cannot occur.
func (s *Store) ListEpisodes(ctx context.Context, f storage.EpisodeFilter) ([]*types.Episode, error) {
	f.Normalize()

	query := `
		SELECT id, conversation_id, actor, content, entity_ids, importance, occurred_at, created_at
		FROM episodes WHERE 1=1
	`
	args := []any{}
	if f.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, f.ConversationID)
	}
	if f.Actor != "" {
		query += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if !f.Since.IsZero() {
		query += " AND occurred_at > ?"
		args = append(args, f.Since)
	}
	if len(f.EntityIDs) > 0 {
		query += " AND ("
		for i, id := range f.EntityIDs {
			if i > 0 {
				query += " OR "
			}
			query += "entity_ids LIKE ?"
			args = append(args, "%\""+id+"\"%")
		}
		query += ")"
	}

	query += " ORDER BY occurred_at DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list episodes: %w", err)
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
		return nil, fmt.Errorf("sqlite: failed to scan fact: %w", err)
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
		return nil, fmt.Errorf("sqlite: failed to scan episode: %w", err)
	}

	ep.ConversationID = conversationID.String
	ep.Actor = actor.String
	if entityIDs.Valid && entityIDs.String != "" {
		if err := json.Unmarshal([]byte(entityIDs.String), &ep.EntityIDs); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal episode entities: %w", err)
		}
	}
	return ep, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
