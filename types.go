package gateway

import (
	"context"
	"strings"
	"time"
)

// TokenResponse is the JSON body returned by successful token requests
// (RFC 6749 §5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenInfo describes a validated access token.
type TokenInfo struct {
	Subject   string
	ClientID  string
	Scope     string
	ExpiresAt time.Time
}

// Scopes returns the token's scope string split into individual scopes.
func (t *TokenInfo) Scopes() []string {
	return strings.Fields(t.Scope)
}

// Identity is the result of successful bearer authentication.
type Identity struct {
	// Subject is the authenticated user identifier.
	Subject string

	// Scope is the space-separated scope set granted to the credential.
	Scope string

	// Method records how the credential validated: "oauth" for
	// engine-issued tokens, "static" for the development token.
	Method string
}

// ErrorResponse represents an OAuth error response body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414).
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// Dispatcher turns an authenticated protocol call into a tool invocation
// and serializes the result. Implemented outside this module; the gateway
// forwards validated /mcp bodies to it.
type Dispatcher interface {
	Dispatch(ctx context.Context, identity *Identity, body []byte) ([]byte, error)
}
