// Package github provides an HTTP client facade for the GitHub events API.
// The client issues conditional GETs against the global or per-repo events
// endpoint, surfaces the server's pacing and rate-limit headers, and maps
// failures onto the typed errors the ingestion engine schedules around.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://api.github.com"
	userAgent      = "github-events-collector"

	// defaultRetryAfter is used when a 429/403 carries no usable
	// Retry-After or X-RateLimit-Reset header.
	defaultRetryAfter = 60 * time.Second
)

// Event is one raw record from the events endpoint. Payload is kept verbatim
// for later introspection; the caller owns filtering by type.
type Event struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Result is the outcome of one fetch against an events endpoint.
type Result struct {
	// Events is empty when Modified is false.
	Events []Event
	// ETag is the entity tag to cache for the next conditional request. On a
	// 304 response it equals the tag the request was made with.
	ETag string
	// Modified is false when the server answered 304 Not Modified.
	Modified bool
	// PollInterval is the server-suggested minimum time until the next poll
	// (X-Poll-Interval), zero when the header is absent.
	PollInterval time.Duration
	// RateRemaining is the remaining request budget, -1 when unknown.
	RateRemaining int
	// RateReset is the instant the budget resets, zero when unknown.
	RateReset time.Time
}

// Client is the interface the ingestion engine polls through. Using an
// interface allows tests to swap in a mock.
type Client interface {
	// FetchGlobal fetches the global events endpoint. etag may be empty.
	// perPage caps the page size (1–100 upstream; 0 means server default).
	FetchGlobal(ctx context.Context, etag string, perPage int) (Result, error)

	// FetchRepo fetches the per-repo events endpoint for "owner/name".
	FetchRepo(ctx context.Context, fullName, etag string, perPage int) (Result, error)
}

// httpClient is the production implementation backed by real HTTP calls.
type httpClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// ClientOption configures the client.
type ClientOption func(*httpClient)

// WithBaseURL overrides the API base URL (tests, GitHub Enterprise).
func WithBaseURL(u string) ClientOption {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPTimeout overrides the hard per-request timeout.
func WithHTTPTimeout(d time.Duration) ClientOption {
	return func(c *httpClient) { c.client.Timeout = d }
}

// NewClient constructs a ready-to-use Client. token is optional; when set it
// raises the upstream quota from anonymous to authenticated levels.
func NewClient(token string, opts ...ClientOption) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		token:   token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchGlobal fetches /events.
func (c *httpClient) FetchGlobal(ctx context.Context, etag string, perPage int) (Result, error) {
	return c.fetch(ctx, "/events", etag, perPage)
}

// FetchRepo fetches /repos/{owner}/{name}/events.
func (c *httpClient) FetchRepo(ctx context.Context, fullName, etag string, perPage int) (Result, error) {
	return c.fetch(ctx, "/repos/"+fullName+"/events", etag, perPage)
}

func (c *httpClient) fetch(ctx context.Context, path, etag string, perPage int) (Result, error) {
	url := c.baseURL + path
	if perPage > 0 {
		url = fmt.Sprintf("%s?per_page=%d", url, perPage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("github client: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport errors and timeouts are retryable; the cached etag is
		// preserved because no result is returned.
		return Result{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	res := Result{
		ETag:          resp.Header.Get("ETag"),
		PollInterval:  headerSeconds(resp, "X-Poll-Interval"),
		RateRemaining: headerInt(resp, "X-RateLimit-Remaining", -1),
		RateReset:     headerUnix(resp, "X-RateLimit-Reset"),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.ETag = etag
		res.Modified = false
		return res, nil

	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, &TransientError{Err: fmt.Errorf("read body: %w", err)}
		}
		if err := json.Unmarshal(body, &res.Events); err != nil {
			return Result{}, &TransientError{Err: fmt.Errorf("decode events: %w", err)}
		}
		res.Modified = true
		return res, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return Result{}, &AuthError{Code: resp.StatusCode}

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && res.RateRemaining == 0:
		return Result{}, &ThrottledError{RetryAfter: retryAfter(resp, res.RateReset)}

	case resp.StatusCode >= 500:
		return Result{}, &TransientError{Err: fmt.Errorf("upstream status %d", resp.StatusCode)}

	default:
		return Result{}, &PermanentError{Code: resp.StatusCode}
	}
}

// retryAfter derives the back-off for a throttled response: Retry-After when
// present, otherwise time until the rate-limit reset, otherwise a default.
func retryAfter(resp *http.Response, reset time.Time) time.Duration {
	if d := headerSeconds(resp, "Retry-After"); d > 0 {
		return d
	}
	if !reset.IsZero() {
		if d := time.Until(reset); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

func headerSeconds(resp *http.Response, name string) time.Duration {
	v := resp.Header.Get(name)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func headerInt(resp *http.Response, name string, def int) int {
	v := resp.Header.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func headerUnix(resp *http.Response, name string) time.Time {
	v := resp.Header.Get(name)
	if v == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
