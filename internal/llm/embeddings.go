package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/lucidity-labs/mnemosyne/internal/config"
)

// ErrEmbedderUnavailable indicates the embedding provider could not be
// reached or is circuit-broken. Retrieval continues on the entity-indexed and
// recency sources when embeddings are unavailable.
var ErrEmbedderUnavailable = errors.New("embedding provider unavailable")

// Embedder converts text into a vector for similarity search. Implementations
// must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an Ollama-style /api/embed endpoint. Identical content
// always produces an identical vector, so results are cached by content hash;
// outbound calls are rate-limited and circuit-broken.
type HTTPEmbedder struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	breaker *Breaker
	limiter *rate.Limiter
	cache   *lru.Cache[string, []float32]
}

// NewHTTPEmbedder creates an embedding client from configuration.
func NewHTTPEmbedder(cfg config.EmbeddingConfig) (*HTTPEmbedder, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 20
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return &HTTPEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker(BreakerConfig{Name: "embedder"}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), int(cfg.RPS)),
		cache:   cache,
	}, nil
}

// Embed returns the vector for text, serving repeats from the content-hash
// cache without consuming rate budget.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := e.breaker.Execute(ctx, func() (any, error) {
		return e.fetch(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	vec := result.([]float32)
	e.cache.Add(key, vec)
	return vec, nil
}

func (e *HTTPEmbedder) fetch(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, errors.New("embedding provider returned empty embedding")
	}
	return parsed.Embeddings[0], nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
