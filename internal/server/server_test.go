package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/engine"
	"github.com/lucidity-labs/mnemosyne/internal/lifecycle"
	"github.com/lucidity-labs/mnemosyne/internal/resolver"
	"github.com/lucidity-labs/mnemosyne/internal/retrieval"
	"github.com/lucidity-labs/mnemosyne/internal/storage/sqlite"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// newTestServer serves the full HTTP surface over an in-memory engine.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Load()
	cfg.Resolver.CacheSize = 0
	cfg.Retrieval.StrategiesPath = ""

	res, err := resolver.New(store, store, nil, nil, cfg.Resolver)
	require.NoError(t, err)
	manager := lifecycle.NewManager(store, store, nil, cfg.Lifecycle)
	generator := retrieval.NewGenerator(store, store, store, cfg.Retrieval)
	strategies, err := config.NewStrategyBook("")
	require.NoError(t, err)

	eng := engine.New(store, res, manager, generator, retrieval.NewRanker(strategies, manager, cfg.Retrieval), nil, strategies, cfg)
	require.NoError(t, eng.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Shutdown(ctx) //nolint:errcheck
	})

	srv := New(eng, cfg.Server)
	go srv.hub.Run()
	t.Cleanup(srv.hub.Close)

	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func registerEntity(t *testing.T, ts *httptest.Server, name, entityType string) types.Entity {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/entities", map[string]string{"name": name, "type": entityType})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[types.Entity](t, resp)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestEntityEndpoints(t *testing.T) {
	ts := newTestServer(t)

	entity := registerEntity(t, ts, "Gai Media", types.EntityTypeOrganization)
	assert.Contains(t, entity.ID, "ent_")

	resp, err := http.Get(ts.URL + "/api/entities/" + entity.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[types.Entity](t, resp)
	assert.Equal(t, "Gai Media", got.Name)

	resp, err = http.Get(ts.URL + "/api/entities/ent_missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Unknown entity types are rejected before any write.
	resp = postJSON(t, ts.URL+"/api/entities", map[string]string{"name": "X", "type": "starship"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveEndpoint(t *testing.T) {
	ts := newTestServer(t)
	entity := registerEntity(t, ts, "Gai Media", types.EntityTypeOrganization)

	resp := postJSON(t, ts.URL+"/api/resolve", map[string]any{
		"mention": "Gai Media",
		"context": map[string]string{"actor": "alex"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[types.ResolutionResult](t, resp)
	assert.Equal(t, entity.ID, result.EntityID)
	assert.Equal(t, types.MethodExact, result.Method)
	assert.Equal(t, 1.0, result.Confidence)

	resp = postJSON(t, ts.URL+"/api/resolve", map[string]any{"context": map[string]string{"actor": "alex"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// An unknown mention is a structured miss, not an error.
	resp = postJSON(t, ts.URL+"/api/resolve", map[string]any{"mention": "Nonesuch Holdings"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = decodeBody[types.ResolutionResult](t, resp)
	assert.Empty(t, result.EntityID)
	assert.Equal(t, types.MethodNone, result.Method)
}

func TestConfirmEndpoint(t *testing.T) {
	ts := newTestServer(t)
	entity := registerEntity(t, ts, "Acme Corp", types.EntityTypeOrganization)

	resp := postJSON(t, ts.URL+"/api/resolve/confirm", map[string]string{
		"mention":   "Acme",
		"actor":     "alex",
		"entity_id": entity.ID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[types.ResolutionResult](t, resp)
	assert.Equal(t, entity.ID, result.EntityID)

	resp = postJSON(t, ts.URL+"/api/resolve/confirm", map[string]string{
		"mention":   "Acme",
		"actor":     "alex",
		"entity_id": "ent_missing",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFactEndpoints(t *testing.T) {
	ts := newTestServer(t)
	entity := registerEntity(t, ts, "Gai Media", types.EntityTypeCustomer)

	resp := postJSON(t, ts.URL+"/api/facts", map[string]any{
		"subject_id": entity.ID,
		"predicate":  "payment_terms",
		"object":     "NET30",
		"source":     "explicit_statement",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcome := decodeBody[lifecycle.Outcome](t, resp)
	assert.True(t, outcome.Created)
	require.NotNil(t, outcome.Fact)
	assert.Equal(t, 0.85, outcome.Fact.Confidence)

	// Malformed triples map to 400.
	resp = postJSON(t, ts.URL+"/api/facts", map[string]any{"predicate": "payment_terms"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Revalidation round-trip over HTTP.
	resp = postJSON(t, ts.URL+fmt.Sprintf("/api/facts/%s/revalidate", outcome.Fact.ID), map[string]bool{"confirmed": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fact := decodeBody[types.Fact](t, resp)
	assert.Equal(t, types.FactActive, fact.Status)
	assert.Equal(t, 1, fact.ReinforcementCount)

	resp = postJSON(t, ts.URL+"/api/facts/fact_missing/revalidate", map[string]bool{"confirmed": true})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEpisodeAndRecallEndpoints(t *testing.T) {
	ts := newTestServer(t)
	entity := registerEntity(t, ts, "Gai Media", types.EntityTypeCustomer)

	resp := postJSON(t, ts.URL+"/api/facts", map[string]any{
		"subject_id": entity.ID,
		"predicate":  "payment_terms",
		"object":     "NET30",
		"source":     "explicit_statement",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcome := decodeBody[lifecycle.Outcome](t, resp)

	resp = postJSON(t, ts.URL+"/api/episodes", map[string]any{
		"content":    "Gai Media asked about renewal pricing",
		"actor":      "alex",
		"entity_ids": []string{entity.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ep := decodeBody[types.Episode](t, resp)
	assert.Contains(t, ep.ID, "ep_")

	resp = postJSON(t, ts.URL+"/api/episodes", map[string]any{"content": ""})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/recall", map[string]any{
		"Text":      "what are their payment terms",
		"EntityIDs": []string{entity.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recall := decodeBody[struct {
		Results []retrieval.ScoredMemory `json:"results"`
	}](t, resp)
	require.NotEmpty(t, recall.Results)

	found := false
	for _, r := range recall.Results {
		if r.RefID == outcome.Fact.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConflictsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	entity := registerEntity(t, ts, "Gai Media", types.EntityTypeCustomer)

	observe := func(object string) {
		resp := postJSON(t, ts.URL+"/api/facts", map[string]any{
			"subject_id": entity.ID,
			"predicate":  "payment_terms",
			"object":     object,
			"source":     "explicit_statement",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	observe("NET30")
	observe("NET45")

	resp, err := http.Get(ts.URL + "/api/conflicts?subject=" + entity.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[struct {
		Conflicts []*types.Conflict `json:"conflicts"`
	}](t, resp)
	require.Len(t, body.Conflicts, 1)
	assert.Equal(t, "NET45", body.Conflicts[0].IncomingValue)
	assert.Equal(t, types.StrategyRecency, body.Conflicts[0].Strategy)

	// Resolved conflicts are filtered out of the unresolved view.
	resp, err = http.Get(ts.URL + "/api/conflicts?subject=" + entity.ID + "&unresolved=true")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[struct {
		Conflicts []*types.Conflict `json:"conflicts"`
	}](t, resp)
	assert.Empty(t, body.Conflicts)
}

func TestMalformedBodies(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/entities", "/api/resolve", "/api/facts", "/api/episodes", "/api/recall"} {
		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}
