package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidity-labs/mnemosyne/internal/config"
)

func TestNewClientDisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewClient(config.AuthorityConfig{}))
}

func TestFindByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/records", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "Beacon Supply", r.URL.Query().Get("name"))
		assert.Equal(t, "customer", r.URL.Query().Get("type"))

		json.NewEncoder(w).Encode(map[string]any{
			"records": []Record{{ExternalRef: "crm-778", Name: "Beacon Supply", Type: "customer"}},
		})
	}))
	defer srv.Close()

	c := NewClient(config.AuthorityConfig{BaseURL: srv.URL, APIKey: "tok"})
	records, err := c.FindByName(context.Background(), "Beacon Supply", "customer")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "crm-778", records[0].ExternalRef)
}

func TestFindByNameMiss(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	c := NewClient(config.AuthorityConfig{BaseURL: notFound.URL})
	_, err := c.FindByName(context.Background(), "Nobody", "")
	assert.ErrorIs(t, err, ErrNoRecord)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"records": []Record{}})
	}))
	defer empty.Close()

	c = NewClient(config.AuthorityConfig{BaseURL: empty.URL})
	_, err = c.FindByName(context.Background(), "Nobody", "")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestFindByNameUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.AuthorityConfig{BaseURL: srv.URL})
	_, err := c.FindByName(context.Background(), "Beacon Supply", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/records/crm-778/values", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "payment_terms", r.URL.Query().Get("predicate"))

		json.NewEncoder(w).Encode(map[string]any{"value": "NET45"})
	}))
	defer srv.Close()

	c := NewClient(config.AuthorityConfig{BaseURL: srv.URL, APIKey: "tok"})
	value, err := c.GetValue(context.Background(), "crm-778", "payment_terms")
	require.NoError(t, err)
	assert.Equal(t, "NET45", value)
}

func TestGetValueMiss(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	c := NewClient(config.AuthorityConfig{BaseURL: notFound.URL})
	_, err := c.GetValue(context.Background(), "crm-778", "payment_terms")
	assert.ErrorIs(t, err, ErrNoRecord)
	assert.Equal(t, "closed", c.breaker.State())

	// An empty value is a miss too: the store has the record but not the slot.
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"value": ""})
	}))
	defer empty.Close()

	c = NewClient(config.AuthorityConfig{BaseURL: empty.URL})
	_, err = c.GetValue(context.Background(), "crm-778", "payment_terms")
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestGetValueUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.AuthorityConfig{BaseURL: srv.URL})
	_, err := c.GetValue(context.Background(), "crm-778", "payment_terms")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMissesDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(config.AuthorityConfig{BaseURL: srv.URL})
	for i := 0; i < 10; i++ {
		_, err := c.FindByName(context.Background(), "Nobody", "")
		assert.ErrorIs(t, err, ErrNoRecord)
	}
	assert.Equal(t, "closed", c.breaker.State())
}
