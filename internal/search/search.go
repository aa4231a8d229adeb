// Package search provides the web search and page fetch clients used by
// the raw acquisition actions. Both sit behind small interfaces so the
// engine tests can substitute scripted fakes.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/artifact"
)

// ErrNoValidKey is returned when every API key in the pool has been
// marked as exhausted.
var ErrNoValidKey = errors.New("all search API keys are exhausted")

// Provider performs a web search and returns ranked hits.
type Provider interface {
	Search(ctx context.Context, query string) ([]artifact.SearchHit, error)
}

const (
	defaultSerperURL  = "https://google.serper.dev/search"
	defaultNumResults = 10
)

// SerperClient queries the Serper search API. It rotates through a pool
// of API keys, skipping keys that have run out of credits.
type SerperClient struct {
	baseURL    string
	numResults int
	httpClient *http.Client
	logger     *zap.Logger

	mu      sync.Mutex
	keys    []string
	expired map[string]bool
}

// SerperOption configures a SerperClient.
type SerperOption func(*SerperClient)

// WithSerperURL overrides the API endpoint, used in tests.
func WithSerperURL(url string) SerperOption {
	return func(c *SerperClient) { c.baseURL = url }
}

// WithNumResults sets how many hits to request per query.
func WithNumResults(n int) SerperOption {
	return func(c *SerperClient) { c.numResults = n }
}

// NewSerperClient builds a client over the given API key pool.
func NewSerperClient(keys []string, logger *zap.Logger, opts ...SerperOption) *SerperClient {
	c := &SerperClient{
		baseURL:    defaultSerperURL,
		numResults: defaultNumResults,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		keys:       append([]string(nil), keys...),
		expired:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type serperResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Organic    []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search issues the query, retrying on the next pool key when the
// current one reports insufficient credits.
func (c *SerperClient) Search(ctx context.Context, query string) ([]artifact.SearchHit, error) {
	body, err := json.Marshal(serperRequest{Q: query, Num: c.numResults})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	for {
		key, err := c.validKey()
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to build search request: %w", err)
		}
		req.Header.Set("X-API-KEY", key)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("search request failed: %w", err)
		}

		var parsed serperResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to parse search response: %w", decodeErr)
		}

		if parsed.StatusCode == http.StatusBadRequest && parsed.Message == "Not enough credits" {
			c.logger.Warn("Search API key out of credits, rotating",
				zap.String("query", query),
			)
			c.markExpired(key)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("search API returned status %d", resp.StatusCode)
		}

		hits := make([]artifact.SearchHit, 0, len(parsed.Organic))
		for _, r := range parsed.Organic {
			hits = append(hits, artifact.SearchHit{
				Title:   r.Title,
				URL:     r.Link,
				Snippet: r.Snippet,
			})
		}
		c.logger.Debug("Web search completed",
			zap.String("query", query),
			zap.Int("hits", len(hits)),
		)
		return hits, nil
	}
}

func (c *SerperClient) validKey() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.keys {
		if !c.expired[k] {
			return k, nil
		}
	}
	return "", ErrNoValidKey
}

func (c *SerperClient) markExpired(key string) {
	c.mu.Lock()
	c.expired[key] = true
	c.mu.Unlock()
}
