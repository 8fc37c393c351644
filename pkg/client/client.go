// Package client provides the HTTP transport for the CRM records API with
// bearer authentication, rate limit gating and error classification.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/Sternrassler/crm-records-client/pkg/pagination"
	"github.com/Sternrassler/crm-records-client/pkg/query"
	"github.com/Sternrassler/crm-records-client/pkg/ratelimit"
	"github.com/Sternrassler/crm-records-client/pkg/registry"
	"github.com/Sternrassler/crm-records-client/pkg/response"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the records API root used when Config.BaseURL is empty.
const DefaultBaseURL = "https://www.zohoapis.com/crm/v2/"

// Prometheus metrics for API requests.
var (
	crmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_requests_total",
		Help: "Total API requests by module and status",
	}, []string{"module", "status"})

	crmRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crm_request_duration_seconds",
		Help:    "API request duration in seconds by module",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"module"})

	crmErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// TokenSource supplies bearer tokens. *auth.Provider implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// tokenInvalidator is implemented by token sources that can drop a token
// the API rejected.
type tokenInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://www.zohoapis.com/crm/v2/"
	BaseURL string

	// UserAgent header sent with every request (required)
	UserAgent string

	// Tokens supplies the bearer token (required)
	Tokens TokenSource

	// Redis enables shared rate limit tracking when set
	Redis *redis.Client

	// Registry validates module/method pairs (default: registry.Default())
	Registry *registry.Registry

	// HTTPClient overrides the underlying HTTP client
	HTTPClient *http.Client

	// Timeout for the default HTTP client
	Timeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig(tokens TokenSource, userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Tokens:    tokens,
		Registry:  registry.Default(),
		Timeout:   30 * time.Second,
	}
}

// Client sends record queries to the API. It implements both
// pagination.Transport and pagination.AsyncTransport.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	userAgent   string
	tokens      TokenSource
	registry    *registry.Registry
	rateLimiter *ratelimit.Tracker
	logger      zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, crmerr.Invalid("user_agent", cfg.UserAgent, "user-agent is required")
	}
	if cfg.Tokens == nil {
		return nil, crmerr.Invalid("tokens", nil, "token source is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, crmerr.Invalid("base_url", cfg.BaseURL, "must be an absolute URL")
	}

	if cfg.Registry == nil {
		cfg.Registry = registry.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := log.With().Str("component", "crm-client").Logger()

	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/") + "/",
		userAgent:  cfg.UserAgent,
		tokens:     cfg.Tokens,
		registry:   cfg.Registry,
		logger:     logger,
	}
	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
	}

	return c, nil
}

// Registry returns the module registry used for validation.
func (c *Client) Registry() *registry.Registry { return c.registry }

// URL returns the absolute request URL for q.
func (c *Client) URL(q query.Query) string {
	return c.baseURL + q.URI()
}

// Send performs q and returns the response body. Bodies of 204 and 304
// responses are empty. Error statuses whose body is a JSON error envelope
// return that body so the caller's transformer can classify it; other error
// statuses yield a *crmerr.TransportError.
func (c *Client) Send(ctx context.Context, q query.Query) ([]byte, error) {
	if _, err := c.registry.Validate(q.Module(), q.Method()); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, q)
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		crmErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &crmerr.TransportError{Op: "read response", URL: req.URL.String(), StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode < 400:
		return body, nil
	case response.IsErrorEnvelope(body):
		return body, nil
	default:
		return nil, &crmerr.TransportError{
			Op:         "send",
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}
}

// SendAsync runs Send on its own goroutine. The returned channel is buffered
// and receives exactly one reply.
func (c *Client) SendAsync(ctx context.Context, q query.Query) <-chan pagination.Reply {
	ch := make(chan pagination.Reply, 1)
	go func() {
		body, err := c.Send(ctx, q)
		ch <- pagination.Reply{Body: body, Err: err}
	}()
	return ch
}

func (c *Client) newRequest(ctx context.Context, q query.Query) (*http.Request, error) {
	method := http.MethodGet
	var body io.Reader
	if b := q.Body(); len(b) > 0 {
		method = http.MethodPost
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(q), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range q.Headers() {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do performs an HTTP request with rate limit gating and bearer
// authentication. A 401 answer causes one retry with a fresh token when the
// token source can invalidate its token.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	module := moduleOf(c.baseURL, req.URL)

	startTime := time.Now()
	defer func() {
		crmRequestDuration.WithLabelValues(module).Observe(time.Since(startTime).Seconds())
	}()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.Gate(ctx); err != nil {
			c.logger.Warn().
				Err(err).
				Str("module", module).
				Msg("Request blocked by rate limiter")
			crmRequestsTotal.WithLabelValues(module, "rate_limited").Inc()
			crmErrorsTotal.WithLabelValues(string(Classify(err))).Inc()
			return nil, err
		}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.roundTrip(req, module)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.tokens.(tokenInvalidator); ok && rewindable(req) {
			resp.Body.Close()
			c.logger.Info().Str("module", module).Msg("Token rejected, retrying with a fresh token")
			if err := inv.Invalidate(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to invalidate token")
			}
			if req.GetBody != nil {
				if req.Body, err = req.GetBody(); err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
			}
			return c.roundTrip(req, module)
		}
	}

	return resp, nil
}

func (c *Client) roundTrip(req *http.Request, module string) (*http.Response, error) {
	ctx := req.Context()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		crmErrorsTotal.WithLabelValues(string(ErrorClassAuth)).Inc()
		return nil, fmt.Errorf("obtain access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug().
		Str("module", module).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("Executing API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		terr := &crmerr.TransportError{Op: req.Method, URL: req.URL.String(), Err: err}
		class := Classify(terr)
		if ctx.Err() != nil {
			class = ErrorClassCanceled
		}
		c.logger.Error().Err(err).Str("module", module).Str("error_class", string(class)).Msg("HTTP request failed")
		crmErrorsTotal.WithLabelValues(string(class)).Inc()
		crmRequestsTotal.WithLabelValues(module, "network_error").Inc()
		return nil, terr
	}

	crmRequestsTotal.WithLabelValues(module, strconv.Itoa(resp.StatusCode)).Inc()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if err := c.rateLimiter.MarkExhausted(ctx, retryAfter(resp.Header)); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record exhausted allowance")
			}
		}
	}

	if class := ClassifyStatus(resp.StatusCode); class != "" {
		crmErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("module", module).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("API request error")
	}

	return resp, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// retryAfter reads Retry-After in seconds, defaulting to one minute.
func retryAfter(h http.Header) time.Duration {
	if s, err := strconv.Atoi(h.Get("Retry-After")); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Minute
}

// moduleOf returns the first path segment below the base URL, used as a
// low-cardinality metrics label.
func moduleOf(baseURL string, u *url.URL) string {
	path := u.Path
	if base, err := url.Parse(baseURL); err == nil {
		path = strings.TrimPrefix(path, base.Path)
	}
	path = strings.Trim(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "unknown"
	}
	return path
}
