// Package postgres implements the storage interfaces on PostgreSQL.
// Vector similarity search uses pgvector (cosine distance, ivfflat index)
// and approximate alias matching uses pg_trgm. Both extensions are optional:
// without pgvector, similarity search returns no matches; without pg_trgm,
// fuzzy lookup falls back to scoring the alias corpus in Go.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/internal/textsim"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// Ensure *Store implements the full composition at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store using PostgreSQL.
type Store struct {
	db                *sql.DB
	pgvectorAvailable bool
	trgmAvailable     bool
}

// New opens a connection pool to the given DSN, applies the schema, and
// probes for the vector and pg_trgm extensions.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: %w: %v", storage.ErrStoreUnavailable, err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	s := &Store{db: db}

	// Extensions may be unavailable on managed databases; degrade rather
	// than fail.
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err == nil {
		if _, err := db.Exec(vectorSchema); err == nil {
			s.pgvectorAvailable = true
		} else {
			log.Printf("postgres: pgvector schema failed, vector search disabled: %v", err)
		}
	} else {
		log.Printf("postgres: pgvector unavailable, vector search disabled: %v", err)
	}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS pg_trgm"); err == nil {
		if _, err := db.Exec(trgmIndexSchema); err == nil {
			s.trgmAvailable = true
		}
	} else {
		log.Printf("postgres: pg_trgm unavailable, fuzzy lookup degrades to in-process scoring: %v", err)
	}

	return s, nil
}

// Close releases the connection pool.
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
		return fmt.Errorf("postgres: failed to marshal entity properties: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, name_norm, type, external_ref, properties, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entity.ID, entity.Name, textsim.Normalize(entity.Name), entity.Type,
		entity.ExternalRef, props, entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, external_ref, properties, created_at, updated_at
		FROM entities WHERE id = $1
	`, id)
	return scanEntity(row)
}

// GetEntityByName retrieves an entity by exact canonical name, case-insensitively.
func (s *Store) GetEntityByName(ctx context.Context, name string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, external_ref, properties, created_at, updated_at
		FROM entities WHERE name_norm = $1
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
		return fmt.Errorf("postgres: failed to marshal entity properties: %w", err)
	}

	entity.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET name = $1, name_norm = $2, type = $3, external_ref = $4, properties = $5, updated_at = $6
		WHERE id = $7
	`, entity.Name, textsim.Normalize(entity.Name), entity.Type, entity.ExternalRef, props, entity.UpdatedAt, entity.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update entity: %w", err)
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
		query += " WHERE type = $1 ORDER BY updated_at DESC LIMIT $2"
		args = append(args, entityType, limit)
	} else {
		query += " ORDER BY updated_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list entities: %w", err)
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

// UpsertAlias creates the alias or merges into the existing row.
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (text_norm, scope_actor, entity_id) DO UPDATE SET
			confidence   = GREATEST(aliases.confidence, EXCLUDED.confidence),
			source       = EXCLUDED.source,
			last_used_at = EXCLUDED.last_used_at
	`, alias.ID, alias.Text, alias.TextNorm, alias.EntityID, alias.ScopeActor,
		alias.Confidence, alias.UseCount, string(alias.Source), alias.CreatedAt, alias.LastUsedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert alias: %w", err)
	}
	return nil
}

// LookupAliases returns exact matches on normalized text, strongest first.
func (s *Store) LookupAliases(ctx context.Context, f storage.AliasFilter) ([]*types.Alias, error) {
	f.Normalize()

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.TextNorm != "" {
		conds = append(conds, "text_norm = "+arg(f.TextNorm))
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = "+arg(f.EntityID))
	}
	if f.ScopeActor != "" {
		if f.IncludeGlobal {
			conds = append(conds, "scope_actor IN ("+arg(f.ScopeActor)+", '')")
		} else {
			conds = append(conds, "scope_actor = "+arg(f.ScopeActor))
		}
	} else if !f.IncludeGlobal {
		conds = append(conds, "scope_actor = ''")
	}
	if f.MinConfidence > 0 {
		conds = append(conds, "confidence >= "+arg(f.MinConfidence))
	}

	query := `
		SELECT id, text, text_norm, entity_id, scope_actor, confidence, use_count, source, created_at, last_used_at
		FROM aliases
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY confidence DESC, use_count DESC, last_used_at DESC LIMIT " + arg(f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to lookup aliases: %w", err)
	}
	defer rows.Close()

	var aliases []*types.Alias
	for rows.Next() {
		a := &types.Alias{}
		var source string
		if err := rows.Scan(&a.ID, &a.Text, &a.TextNorm, &a.EntityID, &a.ScopeActor,
			&a.Confidence, &a.UseCount, &source, &a.CreatedAt, &a.LastUsedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan alias: %w", err)
		}
		a.Source = types.AliasSource(source)
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// FuzzyLookup uses pg_trgm similarity when available, otherwise scores the
// alias corpus in Go with the shared similarity measure. Only global aliases
// and those scoped to scopeActor are considered.
func (s *Store) FuzzyLookup(ctx context.Context, textNorm, scopeActor string, minSimilarity float64, limit int) ([]storage.FuzzyMatch, error) {
	textNorm = textsim.Normalize(textNorm)
	if textNorm == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 10
	}

	if !s.trgmAvailable {
		return s.fuzzyLookupInProcess(ctx, textNorm, scopeActor, minSimilarity, limit)
	}

	// DISTINCT ON keeps the best-scoring alias per entity.
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (entity_id)
			id, entity_id, text, confidence, similarity(text_norm, $1) AS sim
		FROM aliases
		WHERE similarity(text_norm, $1) >= $2 AND scope_actor IN ('', $3)
		ORDER BY entity_id, sim DESC
		LIMIT $4
	`, textNorm, minSimilarity, scopeActor, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fuzzy lookup failed: %w", err)
	}
	defer rows.Close()

	var matches []storage.FuzzyMatch
	for rows.Next() {
		var m storage.FuzzyMatch
		if err := rows.Scan(&m.AliasID, &m.EntityID, &m.Text, &m.Confidence, &m.Similarity); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan fuzzy match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// DISTINCT ON orders by entity, not score; reorder by similarity.
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return matches, nil
}

func (s *Store) fuzzyLookupInProcess(ctx context.Context, textNorm, scopeActor string, minSimilarity float64, limit int) ([]storage.FuzzyMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, text, text_norm, confidence FROM aliases
		WHERE scope_actor IN ('', $1)
	`, scopeActor)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan alias corpus: %w", err)
	}
	defer rows.Close()

	best := map[string]storage.FuzzyMatch{}
	for rows.Next() {
		var id, entityID, text, norm string
		var confidence float64
		if err := rows.Scan(&id, &entityID, &text, &norm, &confidence); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan alias: %w", err)
		}
		sim := textsim.Similarity(textNorm, norm)
		if sim < minSimilarity {
			continue
		}
		if prev, ok := best[entityID]; !ok || sim > prev.Similarity {
			best[entityID] = storage.FuzzyMatch{AliasID: id, EntityID: entityID, Text: text, Confidence: confidence, Similarity: sim}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matches := make([]storage.FuzzyMatch, 0, len(best))
	for _, m := range best {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// TouchAlias bumps the usage counter and raises confidence when higher.
func (s *Store) TouchAlias(ctx context.Context, aliasID string, newConfidence float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE aliases SET
			use_count    = use_count + 1,
			confidence   = GREATEST(confidence, $1),
			last_used_at = $2
		WHERE id = $3
	`, newConfidence, time.Now(), aliasID)
	if err != nil {
		return fmt.Errorf("postgres: failed to touch alias: %w", err)
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
	var props, externalRef sql.NullString

	err := row.Scan(&e.ID, &e.Name, &e.Type, &externalRef, &props, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan entity: %w", err)
	}

	e.ExternalRef = externalRef.String
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal entity properties: %w", err)
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

func toVector(embedding []float32) pgvector.Vector {
	return pgvector.NewVector(embedding)
}
