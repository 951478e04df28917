package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/daaplabs/mcp-gateway/instrumentation"
	"github.com/daaplabs/mcp-gateway/internal/util"
	"github.com/daaplabs/mcp-gateway/security"
	"github.com/daaplabs/mcp-gateway/storage"
)

// Engine orchestrates the authorization code flow: issue code, exchange
// code for tokens, refresh tokens, validate tokens. It owns the code and
// token stores exclusively; no other component mutates them.
type Engine struct {
	store    storage.Store
	registry *Registry
	config   *Config
	logger   *slog.Logger
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
}

// NewEngine creates an authorization engine. The auditor and
// instrumentation may be nil; metrics fall back to no-op instruments.
func NewEngine(config *Config, store storage.Store, registry *Registry, auditor *security.Auditor, inst *instrumentation.Instrumentation) *Engine {
	config.applyDefaults()

	e := &Engine{
		store:    store,
		registry: registry,
		config:   config,
		logger:   config.Logger,
		auditor:  auditor,
	}
	if inst != nil {
		e.metrics = inst.Metrics()
	}
	return e
}

// IssueCodeRequest carries the inputs of an authorize request.
type IssueCodeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// IssueCode validates an authorize request and mints a short-lived
// single-use authorization code.
//
// The client registry is advisory here: any syntactically present client id
// is accepted, matching the permissive posture required for
// bring-your-own-client public MCP clients. Redirect URI validation applies
// only to registered clients; for unregistered ones the supplied URI is
// recorded verbatim and re-checked at exchange time.
func (e *Engine) IssueCode(ctx context.Context, req IssueCodeRequest) (string, error) {
	if req.ClientID == "" {
		return "", ErrInvalidRequest("client_id is required")
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = e.config.DefaultRedirectURI
	}
	if redirectURI == "" {
		return "", ErrInvalidRequest("redirect_uri is required and no default is configured")
	}

	if _, registered := e.registry.Lookup(req.ClientID); registered {
		if !e.registry.ValidateRedirect(req.ClientID, redirectURI) {
			return "", ErrInvalidRequest("redirect_uri is not registered for this client")
		}
	}

	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" {
			method = security.PKCEMethodPlain
		}
		if method != security.PKCEMethodS256 && method != security.PKCEMethodPlain {
			return "", ErrInvalidRequest("unsupported code_challenge_method")
		}
		req.CodeChallengeMethod = method
	}

	scope := req.Scope
	if scope == "" {
		scope = e.config.DefaultScope
	}

	code := generateToken()
	now := time.Now()

	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Subject:             DefaultSubject,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.config.CodeTTL),
	}
	if err := e.store.SaveAuthorizationCode(ctx, record); err != nil {
		e.logger.Error("Failed to save authorization code", "error", err)
		return "", ErrServerError("failed to issue authorization code")
	}

	e.auditor.LogCodeIssued(req.ClientID, scope, req.CodeChallenge != "")
	if e.metrics != nil {
		e.metrics.RecordCodeIssued(ctx, req.ClientID, req.CodeChallenge != "")
	}
	e.logger.Info("Authorization code issued",
		"client_id", req.ClientID,
		"scope", scope,
		"pkce", req.CodeChallenge != "",
		"code_prefix", util.SafeTruncate(code, 8),
	)

	return code, nil
}

// ExchangeRequest carries the inputs of an authorization_code token request.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
}

// Exchange redeems an authorization code for an access and refresh token.
//
// The existence, unused, and non-expired checks run atomically with the
// used-flag transition inside the store, so two concurrent exchanges of one
// code cannot both succeed. Client, redirect, and PKCE checks run after the
// code is consumed: a mismatched attempt burns the code rather than leaving
// it redeemable.
func (e *Engine) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	record, err := e.store.AtomicCheckAndMarkCodeUsed(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrCodeNotFound):
		return nil, ErrInvalidGrant("invalid authorization code")
	case errors.Is(err, storage.ErrCodeUsed):
		e.auditor.LogEvent(security.Event{
			Type:     security.EventCodeReuseDetected,
			ClientID: req.ClientID,
		})
		if e.metrics != nil {
			e.metrics.RecordCodeReuseDetected(ctx)
		}
		e.logger.Warn("Authorization code reuse detected", "client_id", req.ClientID)
		return nil, ErrInvalidGrant("authorization code already used")
	case errors.Is(err, storage.ErrCodeExpired):
		return nil, ErrInvalidGrant("authorization code expired")
	case err != nil:
		e.logger.Error("Failed to redeem authorization code", "error", err)
		return nil, ErrServerError("failed to process token request")
	}

	if req.ClientID != record.ClientID {
		e.auditor.LogAuthFailure(record.Subject, req.ClientID, "", "client mismatch at code exchange")
		return nil, ErrInvalidGrant("client mismatch")
	}
	if req.RedirectURI != "" && req.RedirectURI != record.RedirectURI {
		e.auditor.LogAuthFailure(record.Subject, req.ClientID, "", "redirect mismatch at code exchange")
		return nil, ErrInvalidGrant("redirect mismatch")
	}
	if !e.registry.VerifySecret(req.ClientID, req.ClientSecret) {
		e.auditor.LogAuthFailure(record.Subject, req.ClientID, "", "client secret verification failed")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if record.CodeChallenge != "" {
		if req.CodeVerifier == "" || !security.VerifyPKCE(req.CodeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
			e.auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				ClientID: req.ClientID,
			})
			if e.metrics != nil {
				e.metrics.RecordPKCEValidationFailed(ctx, record.CodeChallengeMethod)
			}
			return nil, ErrInvalidGrant("PKCE verification failed")
		}
	}

	resp, err := e.mintTokens(ctx, record.ClientID, record.Subject, record.Scope, "")
	if err != nil {
		return nil, err
	}

	e.auditor.LogTokenIssued(record.Subject, record.ClientID, record.Scope)
	if e.metrics != nil {
		e.metrics.RecordCodeExchange(ctx, record.ClientID, record.CodeChallengeMethod)
	}
	e.logger.Info("Authorization code exchanged",
		"client_id", record.ClientID,
		"scope", record.Scope,
	)

	return resp, nil
}

// RefreshRequest carries the inputs of a refresh_token token request.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Refresh mints a new access token with a full fresh TTL against a valid
// refresh token. The same refresh token value is echoed back; this gateway
// does not rotate refresh tokens.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	record, err := e.store.GetRefreshToken(ctx, req.RefreshToken)
	switch {
	case errors.Is(err, storage.ErrTokenNotFound):
		return nil, ErrInvalidGrant("invalid refresh token")
	case errors.Is(err, storage.ErrTokenExpired):
		return nil, ErrInvalidGrant("refresh token expired")
	case err != nil:
		e.logger.Error("Failed to load refresh token", "error", err)
		return nil, ErrServerError("failed to process token request")
	}

	if req.ClientID != record.ClientID {
		e.auditor.LogAuthFailure(record.Subject, req.ClientID, "", "client mismatch at refresh")
		return nil, ErrInvalidGrant("client mismatch")
	}
	if !e.registry.VerifySecret(req.ClientID, req.ClientSecret) {
		e.auditor.LogAuthFailure(record.Subject, req.ClientID, "", "client secret verification failed")
		return nil, ErrInvalidClient("client authentication failed")
	}

	resp, err := e.mintTokens(ctx, record.ClientID, record.Subject, record.Scope, record.Token)
	if err != nil {
		return nil, err
	}

	e.auditor.LogTokenRefreshed(record.Subject, record.ClientID, false)
	if e.metrics != nil {
		e.metrics.RecordTokenRefresh(ctx, record.ClientID)
	}
	e.logger.Info("Access token refreshed", "client_id", record.ClientID)

	return resp, nil
}

// Validate checks an access token for existence and non-expiry. Tokens are
// server-generated opaque identifiers; the store is the source of truth, so
// no signature verification applies.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*TokenInfo, error) {
	record, err := e.store.GetAccessToken(ctx, accessToken)
	switch {
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		return nil, ErrInvalidOrExpiredToken
	case err != nil:
		e.logger.Error("Failed to load access token", "error", err)
		return nil, ErrInvalidOrExpiredToken
	}

	return &TokenInfo{
		Subject:   record.Subject,
		ClientID:  record.ClientID,
		Scope:     record.Scope,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// HasScope reports whether the token grants the required scope. The single
// wildcard scope "all-apis" grants everything; this coarse-grained model is
// intentional.
func HasScope(info *TokenInfo, required string) bool {
	for _, s := range info.Scopes() {
		if s == required || s == DefaultScope {
			return true
		}
	}
	return false
}

// AuthCodeURL constructs the delegated provider's user-facing authorize URL
// for the given state. Pure URL construction; no network call.
func (e *Engine) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			AuthURL:  e.config.Provider.AuthorizationEndpoint,
			TokenURL: e.config.Provider.TokenEndpoint,
		},
		RedirectURL: e.config.DefaultRedirectURI,
		Scopes:      []string{e.config.DefaultScope},
	}
	return conf.AuthCodeURL(state, opts...)
}

// mintTokens creates and persists a fresh access token, plus a fresh
// refresh token unless reuseRefresh carries an existing value to echo.
func (e *Engine) mintTokens(ctx context.Context, clientID, subject, scope, reuseRefresh string) (*TokenResponse, error) {
	now := time.Now()

	access := &storage.AccessToken{
		Token:     generateToken(),
		ClientID:  clientID,
		Subject:   subject,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(e.config.AccessTokenTTL),
	}
	if err := e.store.SaveAccessToken(ctx, access); err != nil {
		e.logger.Error("Failed to save access token", "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	refreshValue := reuseRefresh
	if refreshValue == "" {
		refresh := &storage.RefreshToken{
			Token:     generateToken(),
			ClientID:  clientID,
			Subject:   subject,
			Scope:     scope,
			CreatedAt: now,
			ExpiresAt: now.Add(e.config.RefreshTokenTTL),
		}
		if err := e.store.SaveRefreshToken(ctx, refresh); err != nil {
			e.logger.Error("Failed to save refresh token", "error", err)
			return nil, ErrServerError("failed to issue tokens")
		}
		refreshValue = refresh.Token
	}

	return &TokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int(e.config.AccessTokenTTL.Seconds()),
		RefreshToken: refreshValue,
		Scope:        scope,
	}, nil
}

// generateToken returns an opaque URL-safe token with at least 256 bits of
// entropy. Used for authorization codes, access tokens, and refresh tokens.
func generateToken() string {
	return oauth2.GenerateVerifier()
}
