package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/daaplabs/mcp-gateway/instrumentation"
	"github.com/daaplabs/mcp-gateway/security"
)

const bearerPrefix = "Bearer "

// Authenticator checks bearer credentials on protected requests. It tries
// engine-issued tokens first and falls back to the static development token
// when that is enabled. It never mutates token state.
type Authenticator struct {
	engine  *Engine
	static  StaticTokenConfig
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// NewAuthenticator creates a bearer authenticator backed by the engine.
func NewAuthenticator(engine *Engine, static StaticTokenConfig, auditor *security.Auditor, inst *instrumentation.Instrumentation) *Authenticator {
	a := &Authenticator{
		engine:  engine,
		static:  static,
		logger:  engine.logger,
		auditor: auditor,
	}
	if inst != nil {
		a.metrics = inst.Metrics()
	}
	return a
}

// Authenticate extracts and validates the bearer credential from the given
// headers.
//
// The Authorization header lookup is case-insensitive, but the "Bearer "
// prefix is matched case-sensitively. Failures are ErrMissingCredentials,
// ErrMalformedCredentials, or ErrInvalidOrExpiredToken; all map to 401.
func (a *Authenticator) Authenticate(ctx context.Context, headers http.Header) (*Identity, error) {
	header := headers.Get("Authorization")
	if header == "" {
		a.recordFailure(ctx, "missing_credentials")
		return nil, ErrMissingCredentials
	}

	if !strings.HasPrefix(header, bearerPrefix) {
		a.recordFailure(ctx, "malformed_credentials")
		return nil, ErrMalformedCredentials
	}
	token := header[len(bearerPrefix):]
	if token == "" {
		a.recordFailure(ctx, "malformed_credentials")
		return nil, ErrMalformedCredentials
	}

	if info, err := a.engine.Validate(ctx, token); err == nil {
		if a.metrics != nil {
			a.metrics.RecordTokenValidation(ctx, true, "oauth")
		}
		return &Identity{
			Subject: info.Subject,
			Scope:   info.Scope,
			Method:  "oauth",
		}, nil
	}

	if a.static.Enabled && a.static.Token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.static.Token)) == 1 {
		a.auditor.LogEvent(security.Event{
			Type:    security.EventStaticTokenUsed,
			Subject: a.static.Identity,
		})
		if a.metrics != nil {
			a.metrics.RecordTokenValidation(ctx, true, "static")
		}
		a.logger.Info("Static development token accepted", "identity", a.static.Identity)
		return &Identity{
			Subject: a.static.Identity,
			Scope:   DefaultScope,
			Method:  "static",
		}, nil
	}

	a.recordFailure(ctx, "invalid_token")
	return nil, ErrInvalidOrExpiredToken
}

func (a *Authenticator) recordFailure(ctx context.Context, reason string) {
	if a.metrics != nil {
		a.metrics.RecordTokenValidation(ctx, false, "")
		a.metrics.RecordAuthFailure(ctx, reason)
	}
}
