//go:build integration

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Sternrassler/crm-records-client/pkg/auth"
	"github.com/Sternrassler/crm-records-client/pkg/cache"
	"github.com/Sternrassler/crm-records-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer starts a Redis container for integration tests.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
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

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_FullRequestFlow(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	var tokenCalls, apiCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v2/token", func(w http.ResponseWriter, r *http.Request) {
		n := tokenCalls.Add(1)
		fmt.Fprintf(w, `{"access_token":"access-%d","expires_in":3600}`, n)
	})
	mux.HandleFunc("/crm/v2/Leads", func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set(ratelimit.HeaderRemaining, "90")
		w.Header().Set(ratelimit.HeaderReset, "60")
		w.Write([]byte(`{"data":[{"id":"1"}],"info":{"more_records":false}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	broker, err := auth.NewBroker(auth.Config{
		ClientID:     "1000.ABC",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		Endpoint:     server.URL + "/oauth/v2",
	})
	if err != nil {
		t.Fatalf("NewBroker() error = %v", err)
	}

	key := cache.TokenKey{Endpoint: broker.Endpoint(), ClientID: broker.ClientID()}
	newClient := func() *Client {
		provider := auth.NewProvider(broker, auth.WithStore(auth.NewCacheStore(cache.NewManager(redisClient), key)))
		cfg := DefaultConfig(provider, "TestApp/1.0.0 (integration@test.com)")
		cfg.BaseURL = server.URL + "/crm/v2/"
		cfg.Redis = redisClient
		c, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		return c
	}

	// Two clients sharing Redis share one token.
	for i, c := range []*Client{newClient(), newClient()} {
		if _, err := c.Send(context.Background(), leadsQuery(t)); err != nil {
			t.Fatalf("Send() #%d error = %v", i+1, err)
		}
	}

	if tokenCalls.Load() != 1 {
		t.Errorf("token endpoint calls = %d, want 1", tokenCalls.Load())
	}
	if apiCalls.Load() != 2 {
		t.Errorf("api calls = %d, want 2", apiCalls.Load())
	}

	remaining, err := redisClient.Get(context.Background(), ratelimit.RedisKeyRemaining).Int()
	if err != nil || remaining != 90 {
		t.Errorf("stored remaining = (%d, %v), want 90", remaining, err)
	}
}
