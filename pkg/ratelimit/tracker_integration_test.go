//go:build integration

package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/crmerr"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_SharedState(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	writer := NewTracker(redisClient, zerolog.Nop())
	reader := NewTracker(redisClient, zerolog.Nop())

	h := http.Header{}
	h.Set(HeaderRemaining, "42")
	h.Set(HeaderReset, "60")
	if err := writer.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := reader.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 42 {
		t.Errorf("Remaining = %d, want 42", state.Remaining)
	}
	if state.IsHealthy {
		t.Error("IsHealthy = true, want false below the healthy threshold")
	}
}

func TestTracker_Integration_GateBlocksUntilReset(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	tracker := NewTracker(redisClient, zerolog.Nop())

	if err := tracker.MarkExhausted(ctx, 2*time.Second); err != nil {
		t.Fatalf("MarkExhausted() error = %v", err)
	}
	if err := tracker.Gate(ctx); !errors.Is(err, crmerr.ErrRateLimitExceeded) {
		t.Fatalf("Gate() error = %v, want ErrRateLimitExceeded", err)
	}

	time.Sleep(3 * time.Second)

	if err := tracker.Gate(ctx); err != nil {
		t.Errorf("Gate() after reset error = %v, want nil", err)
	}
}

func TestTracker_Integration_Throttle(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	tracker := NewTracker(redisClient, zerolog.Nop(), WithThrottleDelay(200*time.Millisecond))

	h := http.Header{}
	h.Set(HeaderRemaining, "15")
	h.Set(HeaderReset, "60")
	if err := tracker.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	start := time.Now()
	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil || !allowed {
		t.Fatalf("ShouldAllowRequest() = (%v, %v), want (true, nil)", allowed, err)
	}
	if d := time.Since(start); d < 180*time.Millisecond {
		t.Errorf("throttle duration = %v, want >= 200ms", d)
	}
}
