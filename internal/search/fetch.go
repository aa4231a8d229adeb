package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Fetcher retrieves a webpage and returns its title and a readable
// plain-text rendering of the body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (title, content string, err error)
}

const (
	fetchUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	maxPageBytes   = 4 << 20
)

// HTTPFetcher fetches pages over plain HTTP.
type HTTPFetcher struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPFetcher builds a fetcher with a 60s request timeout.
func NewHTTPFetcher(logger *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// Fetch downloads the page and strips it down to readable text. A
// non-2xx status is an error; conversion never fails.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to build fetch request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("fetch returned status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", "", fmt.Errorf("failed to read page body: %w", err)
	}

	raw := string(body)
	title := extractTitle(raw)
	content := htmlToText(raw)

	f.logger.Debug("Fetched webpage",
		zap.String("url", url),
		zap.String("title", title),
		zap.Int("bytes", len(body)),
	)
	return title, content, nil
}

var (
	titlePattern   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	scriptPattern  = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	commentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockPattern   = regexp.MustCompile(`(?i)</?(p|div|br|h[1-6]|li|tr|section|article|header|footer|blockquote|pre)[^>]*>`)
	tagPattern     = regexp.MustCompile(`(?s)<[^>]*>`)
	blankPattern   = regexp.MustCompile(`\n{3,}`)
	spacePattern   = regexp.MustCompile(`[ \t]+`)
)

func extractTitle(html string) string {
	m := titlePattern.FindStringSubmatch(html)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(decodeEntities(m[1]))
}

// htmlToText flattens markup to text, keeping block boundaries as
// newlines so downstream snippet matching sees readable prose.
func htmlToText(html string) string {
	s := scriptPattern.ReplaceAllString(html, "")
	s = commentPattern.ReplaceAllString(s, "")
	s = blockPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, " ")
	s = decodeEntities(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
)

func decodeEntities(s string) string {
	return entityReplacer.Replace(s)
}
