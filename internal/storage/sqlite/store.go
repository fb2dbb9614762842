// Package sqlite implements the storage interfaces on an embedded SQLite
// database (modernc.org/sqlite, no cgo). Vector similarity search is served
// by an in-process chromem-go index rebuilt from the embeddings table on open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/internal/textsim"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// Ensure *Store implements the full composition at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using SQLite.
type Store struct {
	db  *sql.DB
	vec *vectorIndex
}

// New opens a SQLite database at the given DSN (":memory:" for tests),
// configures WAL mode, applies the schema, and rebuilds the vector index
// from persisted embeddings.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	s := &Store{db: db, vec: newVectorIndex()}
	if err := s.rebuildVectorIndex(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to rebuild vector index: %w", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// EntityStore
// ---------------------------------------------------------------------------

// CreateEntity stores a new canonical entity.
func (s *Store) CreateEntity(ctx context.Context, entity *types.Entity) error {
	if entity == nil || entity.ID == "" || entity.Name == "" {
		return fmt.Errorf("%w: entity id and name are required", storage.ErrInvalidInput)
	}

	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now()
	}
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = entity.CreatedAt
	}

	props, err := marshalJSON(entity.Properties)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal entity properties: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, name_norm, type, external_ref, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entity.ID, entity.Name, textsim.Normalize(entity.Name), entity.Type,
		entity.ExternalRef, props, entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, external_ref, properties, created_at, updated_at
		FROM entities WHERE id = ?
	`, id)
	return scanEntity(row)
}

// GetEntityByName retrieves an entity by exact canonical name, case-insensitively.
func (s *Store) GetEntityByName(ctx context.Context, name string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, external_ref, properties, created_at, updated_at
		FROM entities WHERE name_norm = ?
		ORDER BY updated_at DESC LIMIT 1
	`, textsim.Normalize(name))
	return scanEntity(row)
}

// UpdateEntity modifies an existing entity.
func (s *Store) UpdateEntity(ctx context.Context, entity *types.Entity) error {
	if entity == nil || entity.ID == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}

	props, err := marshalJSON(entity.Properties)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal entity properties: %w", err)
	}

	entity.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET name = ?, name_norm = ?, type = ?, external_ref = ?, properties = ?, updated_at = ?
		WHERE id = ?
	`, entity.Name, textsim.Normalize(entity.Name), entity.Type, entity.ExternalRef, props, entity.UpdatedAt, entity.ID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update entity: %w", err)
	}
	return requireRow(res)
}

// ListEntitiesByType returns entities of the given type, most recently updated first.
func (s *Store) ListEntitiesByType(ctx context.Context, entityType string, limit int) ([]*types.Entity, error) {
	if limit < 1 {
		limit = 50
	}

	query := `
		SELECT id, name, type, external_ref, properties, created_at, updated_at
		FROM entities
	`
	args := []any{}
	if entityType != "" {
		query += " WHERE type = ?"
		args = append(args, entityType)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ---------------------------------------------------------------------------
// AliasStore
// ---------------------------------------------------------------------------

// UpsertAlias creates the alias or merges into the existing row for
// (text_norm, scope_actor, entity_id): confidence is raised to at least the
// given value, use_count is preserved.
func (s *Store) UpsertAlias(ctx context.Context, alias *types.Alias) error {
	if alias == nil || alias.Text == "" || alias.EntityID == "" {
		return fmt.Errorf("%w: alias text and entity id are required", storage.ErrInvalidInput)
	}

	if alias.TextNorm == "" {
		alias.TextNorm = textsim.Normalize(alias.Text)
	}
	now := time.Now()
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = now
	}
	if alias.LastUsedAt.IsZero() {
		alias.LastUsedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aliases (id, text, text_norm, entity_id, scope_actor, confidence, use_count, source, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(text_norm, scope_actor, entity_id) DO UPDATE SET
			confidence   = MAX(confidence, excluded.confidence),
			source       = excluded.source,
			last_used_at = excluded.last_used_at
	`, alias.ID, alias.Text, alias.TextNorm, alias.EntityID, alias.ScopeActor,
		alias.Confidence, alias.UseCount, string(alias.Source), alias.CreatedAt, alias.LastUsedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert alias: %w", err)
	}
	return nil
}

// LookupAliases returns exact matches on normalized text, strongest first.
func (s *Store) LookupAliases(ctx context.Context, f storage.AliasFilter) ([]*types.Alias, error) {
	f.Normalize()

	query := `
		SELECT id, text, text_norm, entity_id, scope_actor, confidence, use_count, source, created_at, last_used_at
		FROM aliases WHERE 1=1
	`
	args := []any{}

	if f.TextNorm != "" {
		query += " AND text_norm = ?"
		args = append(args, f.TextNorm)
	}
	if f.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	if f.ScopeActor != "" {
		if f.IncludeGlobal {
			query += " AND scope_actor IN (?, '')"
		} else {
			query += " AND scope_actor = ?"
		}
		args = append(args, f.ScopeActor)
	} else if !f.IncludeGlobal {
		query += " AND scope_actor = ''"
	}
	if f.MinConfidence > 0 {
		query += " AND confidence >= ?"
		args = append(args, f.MinConfidence)
	}

	query += " ORDER BY confidence DESC, use_count DESC, last_used_at DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to lookup aliases: %w", err)
	}
	defer rows.Close()

	var aliases []*types.Alias
	for rows.Next() {
		a := &types.Alias{}
		var source string
		if err := rows.Scan(&a.ID, &a.Text, &a.TextNorm, &a.EntityID, &a.ScopeActor,
			&a.Confidence, &a.UseCount, &source, &a.CreatedAt, &a.LastUsedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan alias: %w", err)
		}
		a.Source = types.AliasSource(source)
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// FuzzyLookup scores the alias corpus against the mention in Go. SQLite has
// no trigram extension, so the corpus is scanned and scored with the shared
// similarity measure. Alias corpora are small (thousands of rows) so the
// scan stays cheap. Only global aliases and those scoped to scopeActor are
// considered.
func (s *Store) FuzzyLookup(ctx context.Context, textNorm, scopeActor string, minSimilarity float64, limit int) ([]storage.FuzzyMatch, error) {
	textNorm = textsim.Normalize(textNorm)
	if textNorm == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, text, text_norm, confidence FROM aliases
		WHERE scope_actor IN ('', ?)
	`, scopeActor)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan alias corpus: %w", err)
	}
	defer rows.Close()

	// Keep the best score per entity so several aliases of one entity do
	// not crowd out distinct candidates.
	best := map[string]storage.FuzzyMatch{}
	for rows.Next() {
		var id, entityID, text, norm string
		var confidence float64
		if err := rows.Scan(&id, &entityID, &text, &norm, &confidence); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan alias: %w", err)
		}

		sim := textsim.Similarity(textNorm, norm)
		if sim < minSimilarity {
			continue
		}
		if prev, ok := best[entityID]; !ok || sim > prev.Similarity {
			best[entityID] = storage.FuzzyMatch{
				AliasID:    id,
				EntityID:   entityID,
				Text:       text,
				Confidence: confidence,
				Similarity: sim,
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matches := make([]storage.FuzzyMatch, 0, len(best))
	for _, m := range best {
		matches = append(matches, m)
	}
	sortFuzzyMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// TouchAlias bumps the usage counter and raises confidence when higher.
// Lost updates under race are acceptable; this is a soft signal.
func (s *Store) TouchAlias(ctx context.Context, aliasID string, newConfidence float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE aliases SET
			use_count    = use_count + 1,
			confidence   = MAX(confidence, ?),
			last_used_at = ?
		WHERE id = ?
	`, newConfidence, time.Now(), aliasID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to touch alias: %w", err)
	}
	return requireRow(res)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	e := &types.Entity{}
	var props sql.NullString
	var externalRef sql.NullString

	err := row.Scan(&e.ID, &e.Name, &e.Type, &externalRef, &props, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan entity: %w", err)
	}

	e.ExternalRef = externalRef.String
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal entity properties: %w", err)
		}
	}
	return e, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func sortFuzzyMatches(matches []storage.FuzzyMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Confidence > matches[j].Confidence
	})
}
