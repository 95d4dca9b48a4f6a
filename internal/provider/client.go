// Package provider talks to the remote metrics and search services.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/goodtune/livestat/internal/poll"
)

// ErrMalformedPayload is returned when a provider response is not usable.
var ErrMalformedPayload = errors.New("provider: malformed payload")

// maxBodyBytes bounds provider response bodies.
const maxBodyBytes = 1 << 20

// StatusError is returned for a non-2xx provider response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: %s returned %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// SearchResult is one entry of a search response.
type SearchResult struct {
	SubjectID   string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

type metricsPayload struct {
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	Metrics     []struct {
		Label string `json:"label"`
		Value int64  `json:"value"`
	} `json:"metrics"`
}

type searchPayload struct {
	Results []SearchResult `json:"results"`
}

// Config holds provider client settings.
type Config struct {
	MetricsURL string
	SearchURL  string
	// Timeout of zero leaves requests bounded only by their context.
	Timeout         time.Duration
	SearchCacheSize int
	SearchCacheTTL  time.Duration
}

// Client fetches snapshots and search results over HTTP.
type Client struct {
	http       *http.Client
	metricsURL *url.URL
	searchURL  *url.URL
	cache      *expirable.LRU[string, []SearchResult]
	logger     zerolog.Logger
}

// New creates a provider client with an HTTP/2 capable transport.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	metricsURL, err := parseBase(cfg.MetricsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics url: %w", err)
	}
	searchBase := cfg.SearchURL
	if searchBase == "" {
		searchBase = cfg.MetricsURL
	}
	searchURL, err := parseBase(searchBase)
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if _, err := http2.ConfigureTransports(transport); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}

	size := cfg.SearchCacheSize
	if size <= 0 {
		size = 256
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		metricsURL: metricsURL,
		searchURL:  searchURL,
		cache:      expirable.NewLRU[string, []SearchResult](size, nil, cfg.SearchCacheTTL),
		logger:     logger.With().Str("component", "provider").Logger(),
	}, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

// FetchMetrics retrieves the current snapshot for a subject. It satisfies
// poll.FetchFunc.
func (c *Client) FetchMetrics(ctx context.Context, subjectID string) (poll.Snapshot, error) {
	u := c.metricsURL.JoinPath("metrics", subjectID)

	var payload metricsPayload
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return poll.Snapshot{}, err
	}

	if payload.DisplayName == "" {
		return poll.Snapshot{}, fmt.Errorf("%w: missing displayName", ErrMalformedPayload)
	}

	snap := poll.Snapshot{
		SubjectID:   subjectID,
		DisplayName: payload.DisplayName,
		AvatarRef:   payload.AvatarRef,
		Metrics:     make([]poll.Metric, 0, len(payload.Metrics)),
	}
	for i, m := range payload.Metrics {
		if m.Label == "" {
			return poll.Snapshot{}, fmt.Errorf("%w: metric %d has no label", ErrMalformedPayload, i)
		}
		snap.Metrics = append(snap.Metrics, poll.Metric{Label: m.Label, Value: m.Value})
	}

	return snap, nil
}

// Search looks up subjects matching query. Results are cached per query.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if key == "" {
		return []SearchResult{}, nil
	}

	if results, ok := c.cache.Get(key); ok {
		c.logger.Debug().Str("query", key).Msg("Search cache hit")
		return results, nil
	}

	u := c.searchURL.JoinPath("search")
	u.RawQuery = url.Values{"q": []string{strings.TrimSpace(query)}}.Encode()

	var payload searchPayload
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		if r.SubjectID == "" {
			continue
		}
		results = append(results, r)
	}

	c.cache.Add(key, results)
	return results, nil
}

func (c *Client) getJSON(ctx context.Context, u *url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", u.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return &StatusError{Code: resp.StatusCode, URL: u.Path}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
