package gateway

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ClientType distinguishes public clients (no secret, PKCE-bound) from
// confidential clients (able to hold a secret).
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// Client is a statically registered OAuth client. Immutable for the process
// lifetime.
type Client struct {
	// ID is the client identifier.
	ID string

	// Name is a human-readable display name.
	Name string

	// Type is public or confidential.
	Type ClientType

	// RedirectURIs lists allowed redirect URI patterns. A pattern is
	// either an exact URI or a literal prefix ending in a single
	// trailing "*". No path-segment semantics, no regex.
	RedirectURIs []string

	// Scopes lists the scopes granted to the client.
	Scopes []string

	// SecretHash is the bcrypt hash of the client secret, set only for
	// confidential clients whose secret the gateway verifies.
	SecretHash string
}

// Registry is a read-only static client registry loaded once at startup.
// Unknown clients are not an error by themselves; the engine decides how
// strictly to react.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry builds a registry from the given clients.
func NewRegistry(clients []Client) *Registry {
	m := make(map[string]*Client, len(clients))
	for i := range clients {
		c := clients[i]
		if c.Type == "" {
			c.Type = ClientTypePublic
		}
		m[c.ID] = &c
	}
	return &Registry{clients: m}
}

// Lookup returns the client for the given id, if registered.
func (r *Registry) Lookup(clientID string) (*Client, bool) {
	c, ok := r.clients[clientID]
	return c, ok
}

// ValidateRedirect reports whether redirect URI is allowed for the client:
// an exact match against a registered URI, or a prefix match against a
// trailing-wildcard pattern. Unknown clients always fail; callers that want
// the permissive posture must gate on Lookup first.
func (r *Registry) ValidateRedirect(clientID, redirectURI string) bool {
	client, ok := r.clients[clientID]
	if !ok {
		return false
	}

	for _, pattern := range client.RedirectURIs {
		if matchRedirect(pattern, redirectURI) {
			return true
		}
	}
	return false
}

// VerifySecret checks a presented client secret against the client's bcrypt
// hash. Clients without a stored hash accept any secret (permissive
// posture for bring-your-own-client public flows).
func (r *Registry) VerifySecret(clientID, secret string) bool {
	client, ok := r.clients[clientID]
	if !ok || client.SecretHash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) == nil
}

// HashSecret produces a bcrypt hash suitable for Client.SecretHash.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// matchRedirect matches a redirect URI against a single pattern. The
// wildcard token is a single trailing "*" matched by literal string prefix.
func matchRedirect(pattern, redirectURI string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(redirectURI, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == redirectURI
}
