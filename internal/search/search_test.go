package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSerperSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-1", r.Header.Get("X-API-KEY"))

		var req serperRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "go concurrency", req.Q)
		assert.Equal(t, 10, req.Num)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"organic": []map[string]string{
				{"title": "Go blog", "link": "https://go.dev/blog", "snippet": "concurrency patterns"},
				{"title": "Effective Go", "link": "https://go.dev/doc", "snippet": "share by communicating"},
			},
		})
	}))
	defer srv.Close()

	c := NewSerperClient([]string{"key-1"}, zap.NewNop(), WithSerperURL(srv.URL))
	hits, err := c.Search(context.Background(), "go concurrency")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Go blog", hits[0].Title)
	assert.Equal(t, "https://go.dev/blog", hits[0].URL)
	assert.Equal(t, "concurrency patterns", hits[0].Snippet)
}

func TestSerperKeyRotation(t *testing.T) {
	var seenKeys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-KEY")
		seenKeys = append(seenKeys, key)
		if key == "dead-key" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"message":    "Not enough credits",
				"statusCode": 400,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"organic": []map[string]string{{"title": "ok", "link": "https://x", "snippet": "s"}},
		})
	}))
	defer srv.Close()

	c := NewSerperClient([]string{"dead-key", "live-key"}, zap.NewNop(), WithSerperURL(srv.URL))

	hits, err := c.Search(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"dead-key", "live-key"}, seenKeys)

	// The dead key stays out of rotation on subsequent searches.
	_, err = c.Search(context.Background(), "q2")
	require.NoError(t, err)
	assert.Equal(t, "live-key", seenKeys[len(seenKeys)-1])
}

func TestSerperAllKeysExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message":    "Not enough credits",
			"statusCode": 400,
		})
	}))
	defer srv.Close()

	c := NewSerperClient([]string{"k1", "k2"}, zap.NewNop(), WithSerperURL(srv.URL))
	_, err := c.Search(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNoValidKey)
}

func TestSerperServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewSerperClient([]string{"k"}, zap.NewNop(), WithSerperURL(srv.URL))
	_, err := c.Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
