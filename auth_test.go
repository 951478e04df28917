package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func newTestAuthenticator(t *testing.T, static StaticTokenConfig) (*Authenticator, *Engine) {
	t.Helper()
	engine, _ := newTestEngine(t)
	return NewAuthenticator(engine, static, nil, nil), engine
}

func issueAccessToken(t *testing.T, engine *Engine) string {
	t.Helper()
	ctx := context.Background()

	code, err := engine.IssueCode(ctx, IssueCodeRequest{ClientID: "demo", RedirectURI: "http://localhost/cb"})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	resp, err := engine.Exchange(ctx, ExchangeRequest{Code: code, ClientID: "demo"})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	return resp.AccessToken
}

func TestAuthenticateOAuthToken(t *testing.T) {
	auth, engine := newTestAuthenticator(t, StaticTokenConfig{})
	token := issueAccessToken(t, engine)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	identity, err := auth.Authenticate(context.Background(), headers)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.Subject != DefaultSubject {
		t.Errorf("Subject = %q, want %q", identity.Subject, DefaultSubject)
	}
	if identity.Method != "oauth" {
		t.Errorf("Method = %q, want %q", identity.Method, "oauth")
	}
}

func TestAuthenticateHeaderCaseInsensitive(t *testing.T) {
	auth, engine := newTestAuthenticator(t, StaticTokenConfig{})
	token := issueAccessToken(t, engine)

	// Header keys are canonicalized; a lowercase key must still be found.
	headers := http.Header{}
	headers.Set("authorization", "Bearer "+token)

	if _, err := auth.Authenticate(context.Background(), headers); err != nil {
		t.Errorf("Authenticate() with lowercase header key error = %v", err)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	auth, _ := newTestAuthenticator(t, StaticTokenConfig{})

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"missing header", "", ErrMissingCredentials},
		{"not a bearer scheme", "Basic dXNlcjpwYXNz", ErrMalformedCredentials},
		{"lowercase bearer prefix", "bearer sometoken", ErrMalformedCredentials},
		{"empty token after prefix", "Bearer ", ErrMalformedCredentials},
		{"garbage token", "Bearer garbage", ErrInvalidOrExpiredToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.header != "" {
				headers.Set("Authorization", tt.header)
			}

			_, err := auth.Authenticate(context.Background(), headers)
			if !errors.Is(err, tt.want) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAuthenticateStaticToken(t *testing.T) {
	auth, _ := newTestAuthenticator(t, StaticTokenConfig{
		Token:    "dev-pat-value",
		Identity: "developer",
		Enabled:  true,
	})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer dev-pat-value")

	identity, err := auth.Authenticate(context.Background(), headers)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.Subject != "developer" {
		t.Errorf("Subject = %q, want %q", identity.Subject, "developer")
	}
	if identity.Scope != DefaultScope {
		t.Errorf("Scope = %q, want full %q scope", identity.Scope, DefaultScope)
	}
	if identity.Method != "static" {
		t.Errorf("Method = %q, want %q", identity.Method, "static")
	}
}

func TestAuthenticateStaticTokenDisabled(t *testing.T) {
	auth, _ := newTestAuthenticator(t, StaticTokenConfig{
		Token:    "dev-pat-value",
		Identity: "developer",
		Enabled:  false,
	})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer dev-pat-value")

	if _, err := auth.Authenticate(context.Background(), headers); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidOrExpiredToken", err)
	}
}

func TestAuthenticateOAuthBeforeStatic(t *testing.T) {
	auth, engine := newTestAuthenticator(t, StaticTokenConfig{
		Token:    "dev-pat-value",
		Identity: "developer",
		Enabled:  true,
	})
	token := issueAccessToken(t, engine)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	identity, err := auth.Authenticate(context.Background(), headers)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.Method != "oauth" {
		t.Errorf("Method = %q, want oauth validation to win", identity.Method)
	}
}
