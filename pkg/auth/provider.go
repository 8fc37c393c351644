package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/crm-records-client/pkg/cache"
	"github.com/Sternrassler/crm-records-client/pkg/logging"
	"github.com/rs/zerolog"
)

// DefaultRefreshMargin is how long before expiry a token is renewed.
const DefaultRefreshMargin = time.Minute

// ErrNoToken is returned by a Store holding no usable token.
var ErrNoToken = errors.New("no stored access token")

// Refresher obtains fresh access tokens. *Broker implements it.
type Refresher interface {
	RequestFreshToken(ctx context.Context) (AccessToken, error)
}

// Store persists the current access token between provider instances.
type Store interface {
	Load(ctx context.Context) (AccessToken, error)
	Save(ctx context.Context, token AccessToken) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token AccessToken
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token.Value == "" {
		return AccessToken{}, ErrNoToken
	}
	return s.token, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, token AccessToken) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.token = AccessToken{}
	s.mu.Unlock()
	return nil
}

// CacheStore shares the token through Redis.
type CacheStore struct {
	manager *cache.Manager
	key     cache.TokenKey
}

// NewCacheStore creates a store for the token identified by key.
func NewCacheStore(manager *cache.Manager, key cache.TokenKey) *CacheStore {
	return &CacheStore{manager: manager, key: key}
}

// Load implements Store.
func (s *CacheStore) Load(ctx context.Context) (AccessToken, error) {
	entry, err := s.manager.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return AccessToken{}, ErrNoToken
		}
		return AccessToken{}, err
	}
	return AccessToken{Value: entry.AccessToken, ExpiresAt: entry.ExpiresAt}, nil
}

// Save implements Store.
func (s *CacheStore) Save(ctx context.Context, token AccessToken) error {
	return s.manager.Set(ctx, s.key, &cache.TokenEntry{
		AccessToken: token.Value,
		ExpiresAt:   token.ExpiresAt,
		CachedAt:    time.Now(),
	})
}

// Clear implements Store.
func (s *CacheStore) Clear(ctx context.Context) error {
	return s.manager.Delete(ctx, s.key)
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithStore sets the token store (default: a MemoryStore).
func WithStore(store Store) ProviderOption {
	return func(p *Provider) { p.store = store }
}

// WithRefreshMargin sets how long before expiry a token is renewed.
func WithRefreshMargin(margin time.Duration) ProviderOption {
	return func(p *Provider) {
		if margin >= 0 {
			p.margin = margin
		}
	}
}

// Provider hands out valid bearer tokens, refreshing through a Refresher
// when the current token is missing or about to expire.
type Provider struct {
	refresher Refresher
	store     Store
	margin    time.Duration
	logger    zerolog.Logger
}

// NewProvider creates a provider.
func NewProvider(refresher Refresher, opts ...ProviderOption) *Provider {
	if refresher == nil {
		panic("refresher cannot be nil")
	}
	p := &Provider{
		refresher: refresher,
		store:     &MemoryStore{},
		margin:    DefaultRefreshMargin,
		logger:    logging.NewLogger("auth"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RefreshMargin returns how long before expiry a token is renewed.
func (p *Provider) RefreshMargin() time.Duration { return p.margin }

// Token returns a bearer token valid for at least the refresh margin when
// the authorization server allows it.
func (p *Provider) Token(ctx context.Context) (string, error) {
	stored, err := p.store.Load(ctx)
	switch {
	case err == nil && stored.Valid() && !stored.ExpiresWithin(p.margin):
		return stored.Value, nil
	case err != nil && !errors.Is(err, ErrNoToken):
		p.logger.Warn().Err(err).Msg("Token store unavailable, refreshing")
	}

	fresh, err := p.refresher.RequestFreshToken(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if !fresh.Valid() {
		return "", fmt.Errorf("refresh access token: token already expired at %s", fresh.ExpiresAt.Format(time.RFC3339))
	}

	if err := p.store.Save(ctx, fresh); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to store access token")
	}
	return fresh.Value, nil
}

// Invalidate drops the stored token so the next Token call refreshes.
func (p *Provider) Invalidate(ctx context.Context) error {
	p.logger.Debug().Msg("Access token invalidated")
	return p.store.Clear(ctx)
}
