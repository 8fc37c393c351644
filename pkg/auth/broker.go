package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/Sternrassler/crm-records-client/pkg/logging"
	"github.com/Sternrassler/crm-records-client/pkg/query"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// DefaultEndpoint is the authorization server used when Config.Endpoint is empty.
const DefaultEndpoint = "https://accounts.zoho.com/oauth/v2/"

const refreshKey = "refresh"

var (
	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_token_refreshes_total",
		Help: "Total token refresh round trips by result",
	}, []string{"result"})

	tokenRefreshSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_token_refresh_shared_total",
		Help: "Total callers served by a refresh that was already in flight",
	})
)

// AccessToken is a bearer credential with its absolute expiry.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is non-empty and not yet expired.
func (t AccessToken) Valid() bool {
	return t.Value != "" && time.Now().Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires within d from now.
func (t AccessToken) ExpiresWithin(d time.Duration) bool {
	return !time.Now().Add(d).Before(t.ExpiresAt)
}

// Config holds broker configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string

	// Endpoint is the authorization server base URL (default: DefaultEndpoint).
	Endpoint string

	// HTTPClient performs the refresh round trip (default: 30s timeout client).
	HTTPClient *http.Client
}

// Broker exchanges a refresh token for fresh access tokens.
//
// Concurrent RequestFreshToken calls on one Broker collapse into a single
// network round trip. The broker neither caches tokens nor renews them
// proactively; see Provider for that.
type Broker struct {
	clientID     string
	clientSecret string
	refreshToken string
	httpClient   *http.Client

	mu       sync.RWMutex
	endpoint string

	group  singleflight.Group
	logger zerolog.Logger
}

// NewBroker creates a broker from config.
func NewBroker(cfg Config) (*Broker, error) {
	if strings.TrimSpace(cfg.RefreshToken) == "" {
		return nil, crmerr.Invalid("refresh_token", cfg.RefreshToken, "must not be empty")
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	endpoint, err := NormalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Broker{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshToken: cfg.RefreshToken,
		httpClient:   httpClient,
		endpoint:     endpoint,
		logger:       logging.NewLogger("auth"),
	}, nil
}

// NormalizeEndpoint returns raw with exactly one trailing slash.
// A value that reduces to "/" is rejected.
func NormalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", crmerr.Invalid("endpoint", raw, "authorization endpoint must not be empty")
	}
	return trimmed + "/", nil
}

// Endpoint returns the authorization server base URL.
func (b *Broker) Endpoint() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoint
}

// SetEndpoint changes the authorization server base URL.
func (b *Broker) SetEndpoint(raw string) error {
	endpoint, err := NormalizeEndpoint(raw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.endpoint = endpoint
	b.mu.Unlock()
	return nil
}

// ClientID returns the OAuth client ID.
func (b *Broker) ClientID() string { return b.clientID }

// RequestFreshToken obtains a new access token. Callers arriving while a
// refresh is in flight wait for that refresh instead of starting another.
// The shared round trip is not cancelled when one caller's ctx is; each
// caller stops waiting when its own ctx is done.
func (b *Broker) RequestFreshToken(ctx context.Context) (AccessToken, error) {
	detached := context.WithoutCancel(ctx)
	ch := b.group.DoChan(refreshKey, func() (any, error) {
		return b.refresh(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			tokenRefreshSharedTotal.Inc()
		}
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	case <-ctx.Done():
		return AccessToken{}, ctx.Err()
	}
}

func (b *Broker) refresh(ctx context.Context) (AccessToken, error) {
	url := b.Endpoint() + "token"
	form := query.NewParameters(
		"grant_type", "refresh_token",
		"client_id", b.clientID,
		"client_secret", b.clientSecret,
		"refresh_token", b.refreshToken,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	requestedAt := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return AccessToken{}, b.fail(&crmerr.TransportError{Op: "refresh token", URL: url, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AccessToken{}, b.fail(&crmerr.TransportError{Op: "read token response", URL: url, StatusCode: resp.StatusCode, Err: err})
	}

	token, err := parseTokenResponse(body, requestedAt)
	if err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var apiErr *crmerr.APIError
			if !errors.As(err, &apiErr) {
				err = &crmerr.TransportError{
					Op:         "refresh token",
					URL:        url,
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("unexpected status: %s", resp.Status),
				}
			}
		}
		return AccessToken{}, b.fail(err)
	}

	tokenRefreshesTotal.WithLabelValues("success").Inc()
	b.logger.Info().
		Str("endpoint", url).
		Time("expires_at", token.ExpiresAt).
		Dur("duration", time.Since(requestedAt)).
		Msg("Access token refreshed")

	return token, nil
}

func (b *Broker) fail(err error) error {
	tokenRefreshesTotal.WithLabelValues("error").Inc()
	b.logger.Error().Err(err).Msg("Access token refresh failed")
	return err
}

// parseTokenResponse reads access_token and the expiry delay from a token
// endpoint reply. expires_in_sec takes precedence over expires_in.
func parseTokenResponse(body []byte, requestedAt time.Time) (AccessToken, error) {
	if !gjson.ValidBytes(body) {
		return AccessToken{}, crmerr.Unreadable(body, fmt.Errorf("token response is not valid JSON"))
	}
	root := gjson.ParseBytes(body)

	if e := root.Get("error"); e.Exists() {
		return AccessToken{}, crmerr.NewAPIError(e.String(), root.Get("error_description").String())
	}

	value := root.Get("access_token").String()
	if value == "" {
		return AccessToken{}, crmerr.Unreadable(body, fmt.Errorf("token response has no access_token"))
	}

	delay := root.Get("expires_in_sec")
	if !delay.Exists() {
		delay = root.Get("expires_in")
	}
	seconds := delay.Int()
	if seconds <= 0 {
		return AccessToken{}, crmerr.Unreadable(body, fmt.Errorf("token response has no positive expiry delay"))
	}

	token := AccessToken{
		Value:     value,
		ExpiresAt: requestedAt.Add(time.Duration(seconds) * time.Second),
	}
	if !token.ExpiresAt.After(time.Now()) {
		return AccessToken{}, crmerr.Unreadable(body, fmt.Errorf("token expired before it was received"))
	}
	return token, nil
}
