package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewTracker(client, zerolog.Nop(), opts...), mr
}

func headers(remaining, reset string) http.Header {
	h := http.Header{}
	h.Set(HeaderRemaining, remaining)
	h.Set(HeaderReset, reset)
	return h
}

func TestUpdateFromHeaders_ValidHeaders(t *testing.T) {
	tests := []struct {
		name            string
		remainHeader    string
		resetHeader     string
		expectedRemain  int
		expectedHealthy bool
	}{
		{
			name:            "healthy state",
			remainHeader:    "100",
			resetHeader:     "60",
			expectedRemain:  100,
			expectedHealthy: true,
		},
		{
			name:            "warning state",
			remainHeader:    "15",
			resetHeader:     "30",
			expectedRemain:  15,
			expectedHealthy: false,
		},
		{
			name:            "critical state",
			remainHeader:    "3",
			resetHeader:     "45",
			expectedRemain:  3,
			expectedHealthy: false,
		},
		{
			name:            "at healthy threshold",
			remainHeader:    "50",
			resetHeader:     "60",
			expectedRemain:  50,
			expectedHealthy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(t)
			ctx := context.Background()

			if err := tracker.UpdateFromHeaders(ctx, headers(tt.remainHeader, tt.resetHeader)); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			state, err := tracker.GetState(ctx)
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Remaining != tt.expectedRemain {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.expectedRemain)
			}
			if state.IsHealthy != tt.expectedHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.expectedHealthy)
			}
			if state.TimeUntilReset() <= 0 {
				t.Errorf("TimeUntilReset() = %v, want > 0", state.TimeUntilReset())
			}
		})
	}
}

func TestUpdateFromHeaders_InvalidHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers http.Header
		wantErr bool
	}{
		{name: "no headers", headers: http.Header{}, wantErr: false},
		{name: "non-numeric remaining", headers: headers("abc", "60"), wantErr: true},
		{name: "non-numeric reset", headers: headers("10", "soon"), wantErr: true},
		{name: "negative reset", headers: headers("10", "-5"), wantErr: true},
		{
			name: "missing reset",
			headers: func() http.Header {
				h := http.Header{}
				h.Set(HeaderRemaining, "10")
				return h
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, mr := newTestTracker(t)
			err := tracker.UpdateFromHeaders(context.Background(), tt.headers)
			if (err != nil) != tt.wantErr {
				t.Errorf("UpdateFromHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if mr.Exists(RedisKeyRemaining) {
				t.Error("invalid or absent headers must not store state")
			}
		})
	}
}

func TestGetState_DefaultHealthy(t *testing.T) {
	tracker, _ := newTestTracker(t)

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy || state.NeedsCriticalBlock() || state.NeedsThrottling() {
		t.Errorf("GetState() = %+v, want healthy default", state)
	}
}

func TestGetState_ExpiresWithWindow(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.UpdateFromHeaders(ctx, headers("2", "30")); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	mr.FastForward(31 * time.Second)

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Errorf("state after window reset = %+v, want healthy", state)
	}
}

func TestShouldAllowRequest_Logic(t *testing.T) {
	tests := []struct {
		name        string
		remaining   string
		wantAllowed bool
	}{
		{name: "healthy", remaining: "100", wantAllowed: true},
		{name: "warning", remaining: "15", wantAllowed: true},
		{name: "critical", remaining: "3", wantAllowed: false},
		{name: "exhausted", remaining: "0", wantAllowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(t, WithThrottleDelay(10*time.Millisecond))
			ctx := context.Background()

			if err := tracker.UpdateFromHeaders(ctx, headers(tt.remaining, "60")); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			allowed, err := tracker.ShouldAllowRequest(ctx)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("ShouldAllowRequest() = %v, want %v", allowed, tt.wantAllowed)
			}
		})
	}
}

func TestShouldAllowRequest_ThrottleHonoursContext(t *testing.T) {
	tracker, _ := newTestTracker(t, WithThrottleDelay(time.Minute))
	if err := tracker.UpdateFromHeaders(context.Background(), headers("10", "60")); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	allowed, err := tracker.ShouldAllowRequest(ctx)
	if allowed || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ShouldAllowRequest() = (%v, %v), want (false, DeadlineExceeded)", allowed, err)
	}
	if time.Since(start) > time.Second {
		t.Error("throttle did not stop on context deadline")
	}
}

func TestGate(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Gate(ctx); err != nil {
		t.Fatalf("Gate() on healthy state error = %v", err)
	}

	if err := tracker.MarkExhausted(ctx, time.Minute); err != nil {
		t.Fatalf("MarkExhausted() error = %v", err)
	}
	err := tracker.Gate(ctx)
	if !errors.Is(err, crmerr.ErrRateLimitExceeded) {
		t.Errorf("Gate() error = %v, want ErrRateLimitExceeded", err)
	}
}

func TestGate_StoreUnavailableAllows(t *testing.T) {
	tracker, mr := newTestTracker(t)
	mr.Close()

	if err := tracker.Gate(context.Background()); err != nil {
		t.Errorf("Gate() error = %v, want nil when Redis is down", err)
	}
}

func TestParseReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		value string
		want  time.Time
	}{
		{value: "60", want: now.Add(60 * time.Second)},
		{value: strconv.FormatInt(now.Add(time.Hour).Unix(), 10), want: now.Add(time.Hour)},
		{value: strconv.FormatInt(now.Add(time.Hour).UnixMilli(), 10), want: now.Add(time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := parseReset(tt.value, now)
			if err != nil {
				t.Fatalf("parseReset() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseReset() = %v, want %v", got, tt.want)
			}
		})
	}
}
