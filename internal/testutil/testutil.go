// Package testutil provides shared helpers for gateway tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/daaplabs/mcp-gateway/security"
	"github.com/daaplabs/mcp-gateway/storage"
	"github.com/daaplabs/mcp-gateway/storage/memory"
)

// NewSilentLogger returns a logger that discards all output, keeping test
// runs quiet.
func NewSilentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewMemoryStore creates an in-memory store that is closed when the test
// finishes.
func NewMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New(NewSilentLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// PKCEPair generates a verifier and its S256 challenge.
func PKCEPair(t *testing.T) (verifier, challenge string) {
	t.Helper()
	return security.GeneratePKCEPair()
}

// SeedCode saves an authorization code record and fails the test on error.
func SeedCode(t *testing.T, store storage.CodeStore, code *storage.AuthorizationCode) {
	t.Helper()
	if err := store.SaveAuthorizationCode(context.Background(), code); err != nil {
		t.Fatalf("failed to seed authorization code: %v", err)
	}
}

// SeedAccessToken saves an access token record and fails the test on error.
func SeedAccessToken(t *testing.T, store storage.TokenStore, token *storage.AccessToken) {
	t.Helper()
	if err := store.SaveAccessToken(context.Background(), token); err != nil {
		t.Fatalf("failed to seed access token: %v", err)
	}
}

// SeedRefreshToken saves a refresh token record and fails the test on error.
func SeedRefreshToken(t *testing.T, store storage.TokenStore, token *storage.RefreshToken) {
	t.Helper()
	if err := store.SaveRefreshToken(context.Background(), token); err != nil {
		t.Fatalf("failed to seed refresh token: %v", err)
	}
}

// ValidCode returns a well-formed authorization code record expiring in ten
// minutes. Fields can be adjusted by the caller before seeding.
func ValidCode(code, clientID, redirectURI, challenge string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               "all-apis",
		CodeChallenge:       challenge,
		CodeChallengeMethod: security.PKCEMethodS256,
		Subject:             "authenticated_user",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}
