package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daaplabs/mcp-gateway/internal/testutil"
	"github.com/daaplabs/mcp-gateway/storage"
)

func newTestEngine(t *testing.T) (*Engine, *Config) {
	t.Helper()

	cfg := &Config{
		ServiceName:        "test-gateway",
		DefaultRedirectURI: "http://localhost/cb",
		Logger:             testutil.NewSilentLogger(),
	}
	store := testutil.NewMemoryStore(t)
	engine := NewEngine(cfg, store, newTestRegistry(t), nil, nil)
	return engine, cfg
}

func assertOAuthError(t *testing.T, err error, wantCode, wantDescription string) {
	t.Helper()

	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error = %v (%T), want *Error", err, err)
	}
	if oauthErr.Code != wantCode {
		t.Errorf("error code = %q, want %q", oauthErr.Code, wantCode)
	}
	if wantDescription != "" && !strings.Contains(oauthErr.Description, wantDescription) {
		t.Errorf("error description = %q, want it to contain %q", oauthErr.Description, wantDescription)
	}
}

func TestIssueAndExchangeRoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	verifier, challenge := testutil.PKCEPair(t)

	code, err := engine.IssueCode(ctx, IssueCodeRequest{
		ClientID:            "demo",
		RedirectURI:         "http://localhost/cb",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	if len(code) < 43 {
		t.Errorf("code length = %d, want at least 43", len(code))
	}

	resp, err := engine.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     "demo",
		RedirectURI:  "http://localhost/cb",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", resp.TokenType, "Bearer")
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}
	if resp.RefreshToken == "" {
		t.Error("RefreshToken is empty")
	}
	if resp.Scope != DefaultScope {
		t.Errorf("Scope = %q, want %q", resp.Scope, DefaultScope)
	}

	info, err := engine.Validate(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if info.Subject != DefaultSubject {
		t.Errorf("Subject = %q, want %q", info.Subject, DefaultSubject)
	}
	if info.ClientID != "demo" {
		t.Errorf("ClientID = %q, want %q", info.ClientID, "demo")
	}
}

func TestIssueCodeValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.IssueCode(ctx, IssueCodeRequest{RedirectURI: "http://localhost/cb"})
	assertOAuthError(t, err, ErrorCodeInvalidRequest, "client_id")

	// Registered clients are held to their redirect allowlist.
	_, err = engine.IssueCode(ctx, IssueCodeRequest{
		ClientID:    "demo",
		RedirectURI: "https://evil.example.com/cb",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest, "redirect_uri")

	// Unregistered clients are accepted with any redirect URI.
	if _, err := engine.IssueCode(ctx, IssueCodeRequest{
		ClientID:    "bring-your-own",
		RedirectURI: "https://anywhere.example.com/cb",
	}); err != nil {
		t.Errorf("IssueCode() for unregistered client error = %v", err)
	}

	_, err = engine.IssueCode(ctx, IssueCodeRequest{
		ClientID:            "demo",
		RedirectURI:         "http://localhost/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S512",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest, "code_challenge_method")
}

func TestExchangeUnknownCode(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Exchange(context.Background(), ExchangeRequest{
		Code:     "no-such-code",
		ClientID: "demo",
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, "invalid authorization code")
}

func TestExchangeDoubleRedemption(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := engine.IssueCode(ctx, IssueCodeRequest{ClientID: "demo", RedirectURI: "http://localhost/cb"})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	if _, err := engine.Exchange(ctx, ExchangeRequest{Code: code, ClientID: "demo"}); err != nil {
		t.Fatalf("first Exchange() error = %v", err)
	}

	_, err = engine.Exchange(ctx, ExchangeRequest{Code: code, ClientID: "demo"})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, "already used")
}

func TestExchangeConcurrent(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := engine.IssueCode(ctx, IssueCodeRequest{ClientID: "demo", RedirectURI: "http://localhost/cb"})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	successes := make(chan *TokenResponse, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp, err := engine.Exchange(ctx, ExchangeRequest{Code: code, ClientID: "demo"}); err == nil {
				successes <- resp
			}
		}()
	}
	wg.Wait()
	close(successes)

	if n := len(successes); n != 1 {
		t.Errorf("%d concurrent exchanges succeeded, want exactly 1", n)
	}
}

func TestExchangeExpiredCode(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	expired := testutil.ValidCode("expired-code", "demo", "http://localhost/cb", "")
	expired.CodeChallengeMethod = ""
	expired.ExpiresAt = time.Now().Add(-time.Second)
	testutil.SeedCode(t, engine.store, expired)

	_, err := engine.Exchange(ctx, ExchangeRequest{Code: "expired-code", ClientID: "demo"})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, "expired")
}

func TestExchangeClientMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := engine.IssueCode(ctx, IssueCodeRequest{ClientID: "demo", RedirectURI: "http://localhost/cb"})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	_, err = engine.Exchange(ctx, ExchangeRequest{Code: code, ClientID: "other"})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, "client mismatch")
}

func TestExchangeRedirectMismatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := engine.IssueCode(ctx, IssueCodeRequest{ClientID: "demo", RedirectURI: "http://localhost/cb"})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	_, err = engine.Exchange(ctx, ExchangeRequest{
		Code:        code,
		ClientID:    "demo",
		RedirectURI: "http://localhost/other",
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, "redirect mismatch")
}

func TestExchangePKCEFailure(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	_, challenge := testutil.PKCEPair(t)
	otherVerifier, _ := testutil.PKCEPair(t)

	tests := []struct {
		name     string
		verifier string
	}{
		{"missing verifier", ""},
		{"wrong verifier", otherVerifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := engine.IssueCode(ctx, IssueCodeRequest{
				ClientID:            "demo",
				RedirectURI:         "http://localhost/cb",
				CodeChallenge:       challenge,
				CodeChallengeMethod: "S256",
			})
			if err != nil {
				t.Fatalf("IssueCode() error = %v", err)
			}

			_, err = engine.Exchange(ctx, ExchangeRequest{
				Code:         code,
				ClientID:     "demo",
				CodeVerifier: tt.verifier,
			})
			assertOAuthError(t, err, ErrorCodeInvalidGrant, "PKCE")
		})
	}
}

func TestExchangeConfidentialClientSecret(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := engine.IssueCode(ctx, IssueCodeRequest{
		ClientID:    "backend",
		RedirectURI: "https://backend.example.com/callback",
	})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}

	_, err = engine.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     "backend",
		ClientSecret: "wrong",
	})
	assertOAuthError(t, err, ErrorCodeInvalidClient, "")

	// The failed attempt consumed the code; issue a fresh one.
	code, err = engine.IssueCode(ctx, IssueCodeRequest{
		ClientID:    "backend",
		RedirectURI: "https://backend.example.com/callback",
	})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	if _, err := engine.Exchange(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     "backend",
		ClientSecret: "s3cret",
	}); err != nil {
		t.Errorf("Exchange() with correct secret error = %v", err)
	}
}

func TestRefreshFlow(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	code, err := engine.IssueCode(ctx, IssueCodeRequest{ClientID: "demo", RedirectURI: "http://localhost/cb"})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	first, err := engine.Exchange(ctx, ExchangeRequest{Code: code, ClientID: "demo"})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	refreshed, err := engine.Refresh(ctx, RefreshRequest{
		RefreshToken: first.RefreshToken,
		ClientID:     "demo",
	})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if refreshed.AccessToken == first.AccessToken {
		t.Error("refresh returned the same access token")
	}
	if refreshed.RefreshToken != first.RefreshToken {
		t.Errorf("RefreshToken = %q, want the original value echoed back", refreshed.RefreshToken)
	}
	if refreshed.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want a full fresh TTL of 3600", refreshed.ExpiresIn)
	}

	if _, err := engine.Validate(ctx, refreshed.AccessToken); err != nil {
		t.Errorf("Validate() of refreshed token error = %v", err)
	}
}

func TestRefreshFailures(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Refresh(ctx, RefreshRequest{RefreshToken: "missing", ClientID: "demo"})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, "invalid refresh token")

	code, err := engine.IssueCode(ctx, IssueCodeRequest{ClientID: "demo", RedirectURI: "http://localhost/cb"})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	resp, err := engine.Exchange(ctx, ExchangeRequest{Code: code, ClientID: "demo"})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	_, err = engine.Refresh(ctx, RefreshRequest{RefreshToken: resp.RefreshToken, ClientID: "other"})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, "client mismatch")

	expired := &storage.RefreshToken{
		Token:     "expired-refresh",
		ClientID:  "demo",
		Subject:   DefaultSubject,
		Scope:     DefaultScope,
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	testutil.SeedRefreshToken(t, engine.store, expired)

	_, err = engine.Refresh(ctx, RefreshRequest{RefreshToken: "expired-refresh", ClientID: "demo"})
	assertOAuthError(t, err, ErrorCodeInvalidGrant, "expired")
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	expired := &storage.AccessToken{
		Token:     "expired-access",
		ClientID:  "demo",
		Subject:   DefaultSubject,
		Scope:     DefaultScope,
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	testutil.SeedAccessToken(t, engine.store, expired)

	if _, err := engine.Validate(ctx, "expired-access"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidOrExpiredToken", err)
	}

	if _, err := engine.Validate(ctx, "never-issued"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidOrExpiredToken", err)
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name     string
		scope    string
		required string
		want     bool
	}{
		{"direct match", "read write", "read", true},
		{"no match", "read write", "admin", false},
		{"wildcard grants everything", "all-apis", "admin", true},
		{"wildcard among others", "read all-apis", "anything", true},
		{"empty scope", "", "read", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &TokenInfo{Scope: tt.scope}
			if got := HasScope(info, tt.required); got != tt.want {
				t.Errorf("HasScope(%q, %q) = %v, want %v", tt.scope, tt.required, got, tt.want)
			}
		})
	}
}

func TestAuthCodeURL(t *testing.T) {
	engine, cfg := newTestEngine(t)
	cfg.Provider.AuthorizationEndpoint = "https://idp.example.com/authorize"
	cfg.Provider.TokenEndpoint = "https://idp.example.com/token"

	u := engine.AuthCodeURL("xyz-state")
	if !strings.HasPrefix(u, "https://idp.example.com/authorize?") {
		t.Errorf("AuthCodeURL() = %q, want the provider authorize endpoint", u)
	}
	if !strings.Contains(u, "state=xyz-state") {
		t.Errorf("AuthCodeURL() = %q, want it to carry the state", u)
	}
	if !strings.Contains(u, "response_type=code") {
		t.Errorf("AuthCodeURL() = %q, want response_type=code", u)
	}
}
