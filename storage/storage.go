// Package storage defines interfaces for persisting authorization codes and
// tokens issued by the gateway. It supports in-memory and Redis backends.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers match with
// errors.Is to translate into OAuth error responses.
var (
	// ErrCodeNotFound indicates the authorization code does not exist
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeUsed indicates the authorization code has already been exchanged
	ErrCodeUsed = errors.New("authorization code already used")

	// ErrCodeExpired indicates the authorization code has passed its expiry
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound indicates the access or refresh token does not exist
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token has passed its expiry
	ErrTokenExpired = errors.New("token expired")
)

// AuthorizationCode is a short-lived, single-use grant keyed by an opaque code.
// Used codes are retained until natural expiry so that replay attempts are
// rejected with a reuse error rather than "not found".
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// AccessToken is an opaque bearer credential record. Read-only after creation;
// it ceases to validate once wall-clock time passes ExpiresAt.
type AccessToken struct {
	Token     string
	ClientID  string
	Subject   string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshToken is the long-lived companion to an access token. The gateway
// reuses the same refresh token value across refresh operations (no rotation).
type RefreshToken struct {
	Token     string
	ClientID  string
	Subject   string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CodeStore manages authorization code grants.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode persists a newly issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without modifying it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicCheckAndMarkCodeUsed atomically checks that a code exists, is
	// unused, and is not expired, then marks it used. Exactly one of any
	// number of concurrent callers succeeds; the rest observe ErrCodeUsed.
	//
	// SECURITY: This operation MUST be atomic to prevent double redemption
	// of the same code under concurrent exchange attempts.
	AtomicCheckAndMarkCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages access and refresh token records.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken persists an access token record with its TTL
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves a non-expired access token record.
	// Expired records yield ErrTokenExpired or ErrTokenNotFound.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// SaveRefreshToken persists a refresh token record with its TTL
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a non-expired refresh token record
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
}

// Store combines the code and token stores for backends that implement both.
type Store interface {
	CodeStore
	TokenStore
}
