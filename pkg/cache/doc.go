// Package cache provides a Redis-backed store for OAuth access tokens.
//
// Access tokens are shared between every process that uses the same OAuth
// client. Caching them in Redis means a fleet of workers refreshes a token
// once per lifetime instead of once per process, which matters for refresh
// flows that rotate or rate-limit refresh tokens.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.TokenKey{
//		Endpoint: "https://accounts.zoho.com/oauth/v2/",
//		ClientID: "1000.ABC",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Refresh through the auth broker and Set the new token
//	}
//
// Entries are written with a Redis TTL equal to the token's remaining
// lifetime, and Get treats an expired entry as a miss.
//
// # Metrics
//
//   - crm_token_cache_hits_total - Cache hits
//   - crm_token_cache_misses_total - Cache misses
//   - crm_token_cache_errors_total{operation} - Cache operation errors
package cache
