package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

func TestConflictFeedDeliversEvents(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws/conflicts"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the hub a moment to register the client before the first event.
	time.Sleep(50 * time.Millisecond)

	entity := registerEntity(t, ts, "Gai Media", types.EntityTypeCustomer)
	for _, object := range []string{"NET30", "NET45"} {
		resp := postJSON(t, ts.URL+"/api/facts", map[string]any{
			"subject_id": entity.ID,
			"predicate":  "payment_terms",
			"object":     object,
			"source":     "explicit_statement",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var conflict types.Conflict
	require.NoError(t, json.Unmarshal(data, &conflict))
	assert.Equal(t, entity.ID, conflict.SubjectID)
	assert.Equal(t, "NET45", conflict.IncomingValue)
	assert.Equal(t, types.StrategyRecency, conflict.Strategy)
}

func TestBroadcastAfterCloseIsSafe(t *testing.T) {
	hub := NewConflictHub()
	go hub.Run()
	hub.Close()

	// Must not panic or block.
	hub.Broadcast(&types.Conflict{ID: "conf_1"})
	hub.Close()
}
