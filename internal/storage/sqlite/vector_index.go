package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/lucidity-labs/mnemosyne/internal/storage"
)

// vectorIndex wraps a chromem-go collection for in-process cosine similarity.
// Embeddings are persisted in the embeddings table and mirrored into chromem
// on write; the index is rebuilt from the table on open.
type vectorIndex struct {
	db  *chromem.DB
	col *chromem.Collection
	mu  sync.RWMutex
	n   int
}

func newVectorIndex() *vectorIndex {
	db := chromem.NewDB()
	// Embeddings are provided by the caller, so no embedding func is needed;
	// the default cosine distance applies.
	col, err := db.CreateCollection("memories", nil, nil)
	if err != nil {
		// CreateCollection only fails on an empty name.
		panic(fmt.Sprintf("sqlite: failed to create vector collection: %v", err))
	}
	return &vectorIndex{db: db, col: col}
}

func (v *vectorIndex) add(ctx context.Context, refID, kind string, embedding []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	doc := chromem.Document{
		ID:        refID,
		Content:   refID, // content is unused; lookups go back to SQL by ID
		Embedding: embedding,
		Metadata:  map[string]string{"kind": kind},
	}
	if err := v.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("sqlite: failed to index embedding: %w", err)
	}
	v.n++
	return nil
}

func (v *vectorIndex) query(ctx context.Context, embedding []float32, limit int) ([]storage.VectorMatch, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	// chromem requires nResults <= collection size.
	if limit > v.n {
		limit = v.n
	}
	if limit <= 0 {
		return nil, nil
	}

	results, err := v.col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector query failed: %w", err)
	}

	matches := make([]storage.VectorMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, storage.VectorMatch{
			RefID:      r.ID,
			Kind:       r.Metadata["kind"],
			Similarity: float64(r.Similarity),
		})
	}
	return matches, nil
}

// StoreEmbedding persists the vector and mirrors it into the chromem index.
func (s *Store) StoreEmbedding(ctx context.Context, refID string, kind string, embedding []float32) error {
	if refID == "" || len(embedding) == 0 {
		return fmt.Errorf("%w: ref id and embedding are required", storage.ErrInvalidInput)
	}

	blob, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (ref_id, kind, embedding, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ref_id) DO UPDATE SET kind = excluded.kind, embedding = excluded.embedding
	`, refID, kind, blob, time.Now())
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding: %w", err)
	}

	return s.vec.add(ctx, refID, kind, embedding)
}

// SimilaritySearch returns the nearest stored embeddings by cosine similarity.
func (s *Store) SimilaritySearch(ctx context.Context, query []float32, limit int) ([]storage.VectorMatch, error) {
	if len(query) == 0 {
		return nil, nil
	}
	if limit < 1 {
		limit = 10
	}
	return s.vec.query(ctx, query, limit)
}

// rebuildVectorIndex reloads all persisted embeddings into chromem on open.
func (s *Store) rebuildVectorIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT ref_id, kind, embedding FROM embeddings`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var refID, kind string
		var blob []byte
		if err := rows.Scan(&refID, &kind, &blob); err != nil {
			return err
		}
		var embedding []float32
		if err := json.Unmarshal(blob, &embedding); err != nil {
			return fmt.Errorf("corrupt embedding for %s: %w", refID, err)
		}
		if err := s.vec.add(ctx, refID, kind, embedding); err != nil {
			return err
		}
	}
	return rows.Err()
}
