package cache

import (
	"net/url"
	"strings"
)

// KeyPrefix namespaces every token key in Redis.
const KeyPrefix = "crm:token"

// TokenKey identifies the access token of one OAuth client at one
// authorization server.
type TokenKey struct {
	// Endpoint is the authorization endpoint base URL (e.g., "https://accounts.zoho.com/oauth/v2/")
	Endpoint string

	// ClientID is the OAuth client ID
	ClientID string
}

// String generates a deterministic Redis key.
// Format: crm:token:host/path:client_id
//
// Example:
//
//	crm:token:accounts.zoho.com/oauth/v2:1000.ABC
func (k TokenKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := k.Endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host + u.Path
	}
	if endpoint = strings.Trim(endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if k.ClientID != "" {
		parts = append(parts, k.ClientID)
	}

	return strings.Join(parts, ":")
}
