package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultThrottleDelay is the pause applied to each request in the warning zone.
const DefaultThrottleDelay = time.Second

// CodeRateLimitExceeded is the API code reported for an exhausted allowance.
const CodeRateLimitExceeded = "4820"

var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crm_rate_limit_remaining",
		Help: "API calls remaining in the current rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_rate_limit_blocks_total",
		Help: "Total number of requests blocked because the allowance is exhausted",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_rate_limit_throttles_total",
		Help: "Total number of requests delayed because the allowance is low",
	})
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithThrottleDelay sets the pause applied in the warning zone.
func WithThrottleDelay(d time.Duration) Option {
	return func(t *Tracker) { t.throttleDelay = d }
}

// Tracker records the allowance reported in response headers and gates
// requests on it.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	throttleDelay time.Duration
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger, opts ...Option) *Tracker {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	t := &Tracker{
		redis:         redisClient,
		logger:        logger,
		throttleDelay: DefaultThrottleDelay,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetState retrieves the current state from Redis. A healthy state is
// returned when nothing has been recorded or the recorded window has expired.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	values, err := t.redis.MGet(ctx, RedisKeyRemaining, RedisKeyResetTimestamp, RedisKeyLastUpdate).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}
	if values[0] == nil || values[1] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, assuming healthy")
		return healthyState(), nil
	}

	remaining, err := strconv.Atoi(fmt.Sprint(values[0]))
	if err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	resetUnix, err := strconv.ParseInt(fmt.Sprint(values[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reset timestamp: %w", err)
	}

	var lastUpdate time.Time
	if values[2] != nil {
		if lastUpdate, err = time.Parse(time.RFC3339Nano, fmt.Sprint(values[2])); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &RateLimitState{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetUnix, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders records the allowance from a response. Responses
// without the remaining header leave the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remaining, err := strconv.Atoi(strings.TrimSpace(remainStr))
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}
	now := time.Now()
	resetAt, err := parseReset(resetStr, now)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	return t.store(ctx, &RateLimitState{Remaining: remaining, ResetAt: resetAt, LastUpdate: now})
}

// MarkExhausted records an exhausted allowance until resetIn has passed.
// It is used when the API rejects a request outright.
func (t *Tracker) MarkExhausted(ctx context.Context, resetIn time.Duration) error {
	now := time.Now()
	return t.store(ctx, &RateLimitState{Remaining: 0, ResetAt: now.Add(resetIn), LastUpdate: now})
}

func (t *Tracker) store(ctx context.Context, state *RateLimitState) error {
	state.UpdateHealth()

	// The keys expire with the window, after which GetState reports healthy again.
	ttl := state.TimeUntilReset()
	if ttl < time.Second {
		ttl = time.Second
	}

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyRemaining, state.Remaining, ttl)
	pipe.Set(ctx, RedisKeyResetTimestamp, state.ResetAt.Unix(), ttl)
	pipe.Set(ctx, RedisKeyLastUpdate, state.LastUpdate.Format(time.RFC3339Nano), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitRemaining.Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("API allowance exhausted - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("API allowance low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest reports whether a request may be sent now. In the
// warning zone it waits for the throttle delay first, returning early with
// ctx's error if ctx is done.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, err
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("API allowance exhausted - blocking request")

		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() && t.throttleDelay > 0 {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("delay", t.throttleDelay).
			Msg("API allowance low - throttling request")

		rateLimitThrottlesTotal.Inc()
		timer := time.NewTimer(t.throttleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return true, nil
}

// Gate is ShouldAllowRequest expressed as an error: a blocked request yields
// an APIError matching crmerr.ErrRateLimitExceeded.
func (t *Tracker) Gate(ctx context.Context) error {
	allowed, err := t.ShouldAllowRequest(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// An unreachable state store must not stop traffic.
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable, allowing request")
		return nil
	}
	if !allowed {
		return crmerr.NewAPIError(CodeRateLimitExceeded, "request blocked until the API allowance resets")
	}
	return nil
}

// parseReset accepts seconds until reset, or an absolute Unix time in
// seconds or milliseconds.
func parseReset(value string, now time.Time) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n < 0 {
		return time.Time{}, fmt.Errorf("negative reset %d", n)
	}
	switch {
	case n >= 1e12:
		return time.UnixMilli(n), nil
	case n >= 1e9:
		return time.Unix(n, 0), nil
	default:
		return now.Add(time.Duration(n) * time.Second), nil
	}
}
