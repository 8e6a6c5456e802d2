package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/pharmalens/backend/internal/domain"
	"github.com/pharmalens/backend/internal/platform/logger"
)

const (
	sourceName = "websearch"
	maxRetries = 3
	userAgent  = "PharmaLens/1.0"
)

// Hit is one result of a SearxNG-style JSON search
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searchResponse struct {
	Results []Hit `json:"results"`
}

// Client queries a JSON web search endpoint (GET /search?q=..&format=json)
// and turns each Hit into search_snippet evidence
type Client struct {
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	maxResults  int
	rateLimiter *rate.Limiter
	debug       bool
	log         *logger.Logger
	now         func() time.Time
}

// NewClient creates a search client allowing perMinute requests per minute
func NewClient(baseURL, apiKey string, maxResults, perMinute int, log *logger.Logger) *Client {
	if maxResults <= 0 {
		maxResults = 10
	}
	if perMinute <= 0 {
		perMinute = 30
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiKey:      apiKey,
		baseURL:     baseURL,
		maxResults:  maxResults,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), 5),
		log:         log.With("source", sourceName),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetDebug enables per-request logging
func (c *Client) SetDebug(debug bool) {
	c.debug = debug
}

func (c *Client) Name() string            { return sourceName }
func (c *Client) Kind() domain.SourceKind { return domain.KindSearchSnippet }

// Fetch runs one search per requested role. A failing role search fails the
// whole fetch, since partial results would skew corroboration.
func (c *Client) Fetch(ctx context.Context, q domain.Query) ([]domain.RawEvidence, error) {
	var out []domain.RawEvidence
	for _, role := range q.Roles() {
		hits, err := c.Search(ctx, searchQuery(role, q.API, q.Country))
		if err != nil {
			return nil, err
		}
		observed := c.now()
		for _, h := range hits {
			out = append(out, domain.RawEvidence{
				Source:  sourceName,
				Kind:    domain.KindSearchSnippet,
				Role:    role,
				API:     q.API,
				Country: q.Country,
				Fields: map[string]string{
					"title":   h.Title,
					"content": h.Content,
				},
				URL:        h.URL,
				ObservedAt: observed,
			})
		}
	}
	return out, nil
}

// searchQuery phrases the search for one role
func searchQuery(role domain.Role, api, country string) string {
	var q string
	switch role {
	case domain.RoleManufacturer:
		q = fmt.Sprintf("%q API manufacturer USDMF CEP", api)
	default:
		q = fmt.Sprintf("%q tablets finished dosage manufacturer", api)
	}
	if country != "" {
		q += " " + country
	}
	return q
}

// exponentialBackoff returns the wait before retrying attempt (1-based)
func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(500*(1<<(attempt-1))) * time.Millisecond
}

// Search executes a query, retrying transient failures
func (c *Client) Search(ctx context.Context, query string) ([]Hit, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("format", "json")
	reqURL := fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode())

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", domain.ErrRateLimited, err)
		}

		hits, retry, err := c.do(ctx, reqURL)
		if err == nil {
			if c.debug {
				c.log.Debug("search answered", "query", query, "hits", len(hits))
			}
			return hits, nil
		}
		lastErr = err
		if !retry || attempt == maxRetries {
			break
		}

		c.log.Warn("search failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, ctx.Err())
		case <-time.After(exponentialBackoff(attempt)):
		}
	}
	return nil, lastErr
}

// do performs one request. retry reports whether the failure is transient.
func (c *Client) do(ctx context.Context, reqURL string) ([]Hit, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if c.debug {
		c.log.Debug("search request", "url", reqURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
		}
		return nil, true, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read body: %v", domain.ErrSourceUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("%w: %w: status %d", domain.ErrSourceUnavailable, domain.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: status %d", domain.ErrSourceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: status %d: %s", domain.ErrSourceUnavailable, resp.StatusCode, truncate(string(body), 200))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("%w: decode response: %v", domain.ErrSourceUnavailable, err)
	}

	hits := parsed.Results
	if len(hits) > c.maxResults {
		hits = hits[:c.maxResults]
	}
	return hits, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
