// Package authority provides a read-only client for the deployment's
// authoritative record store (CRM, order system, product catalog). The engine
// never writes to it; records found there seed lazily discovered entities and
// settle fact conflicts in favor of authoritative observations.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/llm"
)

// ErrUnavailable indicates the record store could not be reached or is
// circuit-broken. Callers treat this the same as a miss, minus alias
// learning.
var ErrUnavailable = errors.New("authoritative store unavailable")

// ErrNoRecord indicates the store answered but holds no matching record.
var ErrNoRecord = errors.New("no authoritative record")

// Record is an authoritative entity record. ExternalRef is the store's own
// identifier and is preserved on entities materialized from a record.
type Record struct {
	ExternalRef string            `json:"external_ref"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Lookup is the read-only record store capability consumed by the resolver's
// discovery stage. Implementations must be safe for concurrent use. Tests
// substitute a deterministic fake.
type Lookup interface {
	// FindByName searches the store for records matching name, optionally
	// narrowed by entity type. Returns ErrNoRecord on a clean miss and
	// ErrUnavailable when the store cannot answer.
	FindByName(ctx context.Context, name, entityType string) ([]Record, error)
}

// Client talks to the record store over HTTP behind a circuit breaker.
type Client struct {
	cfg     config.AuthorityConfig
	client  *http.Client
	breaker *llm.Breaker
}

// NewClient creates a record store client. A nil return means lookups are
// disabled (no base URL configured); the resolver skips discovery in that
// case.
func NewClient(cfg config.AuthorityConfig) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: llm.NewBreaker(llm.BreakerConfig{Name: "authority"}),
	}
}

// FindByName queries GET /records?name=...&type=... on the record store.
// A clean miss is not a store failure and does not count against the breaker.
func (c *Client) FindByName(ctx context.Context, name, entityType string) ([]Record, error) {
	result, err := c.breaker.Execute(ctx, func() (any, error) {
		records, err := c.fetch(ctx, name, entityType)
		if errors.Is(err, ErrNoRecord) {
			return []Record(nil), nil
		}
		return records, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	records := result.([]Record)
	if len(records) == 0 {
		return nil, ErrNoRecord
	}
	return records, nil
}

// GetValue queries GET /records/{ref}/values?predicate=... for the store's
// current value of one field on a record. A clean miss (unknown record or
// predicate) returns ErrNoRecord and does not count against the breaker.
func (c *Client) GetValue(ctx context.Context, externalRef, predicate string) (string, error) {
	result, err := c.breaker.Execute(ctx, func() (any, error) {
		value, err := c.fetchValue(ctx, externalRef, predicate)
		if errors.Is(err, ErrNoRecord) {
			return "", nil
		}
		return value, err
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	value := result.(string)
	if value == "" {
		return "", ErrNoRecord
	}
	return value, nil
}

func (c *Client) fetchValue(ctx context.Context, externalRef, predicate string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("predicate", predicate)

	endpoint := c.cfg.BaseURL + "/records/" + url.PathEscape(externalRef) + "/values?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrNoRecord
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("record store returned %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Value == "" {
		return "", ErrNoRecord
	}
	return parsed.Value, nil
}

func (c *Client) fetch(ctx context.Context, name, entityType string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("name", name)
	if entityType != "" {
		q.Set("type", entityType)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/records?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoRecord
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("record store returned %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		Records []Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Records) == 0 {
		return nil, ErrNoRecord
	}
	return parsed.Records, nil
}
