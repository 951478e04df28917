package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/daaplabs/mcp-gateway/instrumentation"
	"github.com/daaplabs/mcp-gateway/internal/util"
	"github.com/daaplabs/mcp-gateway/security"
)

// maxTokenRequestBody bounds token request bodies. OAuth token requests are
// small; anything larger is abuse.
const maxTokenRequestBody = 64 * 1024

// Handler is the HTTP surface of the gateway.
type Handler struct {
	config     *Config
	engine     *Engine
	auth       *Authenticator
	dispatcher Dispatcher
	limiter    *security.RateLimiter
	auditor    *security.Auditor
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *instrumentation.Metrics
}

// NewHandler creates the HTTP handler. The dispatcher may be nil, in which
// case /mcp answers 503 after authentication.
func NewHandler(config *Config, engine *Engine, auth *Authenticator, dispatcher Dispatcher, auditor *security.Auditor, inst *instrumentation.Instrumentation) *Handler {
	config.applyDefaults()

	h := &Handler{
		config:     config,
		engine:     engine,
		auth:       auth,
		dispatcher: dispatcher,
		auditor:    auditor,
		logger:     config.Logger,
	}
	if config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, config.Logger)
	}
	if inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
	}
	return h
}

// Close stops background goroutines owned by the handler.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// RegisterRoutes attaches all gateway endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/authorize", h.instrument("/oauth/authorize", h.handleAuthorize))
	mux.HandleFunc("/oauth/callback", h.instrument("/oauth/callback", h.handleCallback))
	mux.HandleFunc("/oauth/token", h.instrument("/oauth/token", h.handleToken))
	mux.HandleFunc("/health", h.instrument("/health", h.handleHealth))
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.instrument("/.well-known/oauth-authorization-server", h.handleMetadata))
	mux.Handle("/mcp", h.RequireAuth(http.HandlerFunc(h.instrument("/mcp", h.handleMCP))))
}

// Routes returns the complete handler chain: request IDs, then routing.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// instrument wraps an endpoint with a span and the HTTP request metric.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, endpoint)
			defer span.End()
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r.WithContext(ctx))

		if span != nil {
			instrumentation.AddHTTPAttributes(span, r.Method, endpoint, sw.status)
		}
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, sw.status,
				float64(time.Since(start).Milliseconds()))
		}
	}
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// handleAuthorize serves GET /oauth/authorize: validates the request,
// issues a code, and redirects back to the client with code and state.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.handlePreflight(w, r, http.MethodGet) {
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allowRequest(w, r) {
		return
	}

	q := r.URL.Query()

	code, err := h.engine.IssueCode(r.Context(), IssueCodeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = h.config.DefaultRedirectURI
	}

	location := buildRedirectLocation(redirectURI, code, q.Get("state"))
	security.SetSecurityHeaders(w, h.config.ServerURL)
	http.Redirect(w, r, location, http.StatusFound)
}

// buildRedirectLocation appends code and state to the redirect URI, reusing
// an existing query string when the URI already carries one.
func buildRedirectLocation(redirectURI, code, state string) string {
	separator := "?"
	if strings.Contains(redirectURI, "?") {
		separator = "&"
	}

	location := redirectURI + separator + "code=" + url.QueryEscape(code)
	if state != "" {
		location += "&state=" + url.QueryEscape(state)
	}
	return location
}

// handleCallback serves GET /oauth/callback: the landing point of the
// delegated provider redirect. Provider errors pass through; otherwise the
// code and state are echoed as JSON for the client to pick up.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if h.handlePreflight(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:            errCode,
			ErrorDescription: q.Get("error_description"),
		})
		return
	}

	code := q.Get("code")
	if code == "" {
		h.writeError(w, ErrInvalidRequest("code is required"))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"code":  code,
		"state": q.Get("state"),
	})
}

// tokenRequest is the union of authorization_code and refresh_token grant
// fields, accepted as form-urlencoded or JSON.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
}

// handleToken serves POST /oauth/token for both supported grant types.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if h.handlePreflight(w, r, http.MethodPost) {
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, ErrInvalidRequest("method not allowed"))
		return
	}
	if !h.allowRequest(w, r) {
		return
	}

	req, err := parseTokenRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if req.GrantType == "" {
		h.writeError(w, ErrInvalidRequest("grant_type is required"))
		return
	}
	if req.ClientID == "" {
		h.writeError(w, ErrInvalidRequest("client_id is required"))
		return
	}

	var resp *TokenResponse
	switch req.GrantType {
	case "authorization_code":
		resp, err = h.engine.Exchange(r.Context(), ExchangeRequest{
			Code:         req.Code,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			RedirectURI:  req.RedirectURI,
			CodeVerifier: req.CodeVerifier,
		})
	case "refresh_token":
		resp, err = h.engine.Refresh(r.Context(), RefreshRequest{
			RefreshToken: req.RefreshToken,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
		})
	default:
		err = ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant type %q", req.GrantType))
	}

	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeTokenResponse(w, resp)
}

// parseTokenRequest reads a token request from a form-urlencoded or JSON
// body.
func parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxTokenRequestBody)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, ErrInvalidRequest("invalid JSON body")
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, ErrInvalidRequest("invalid form body")
	}
	return &tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}, nil
}

// handleHealth serves GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.config.ServiceName,
	})
}

// handleMetadata serves RFC 8414 authorization server metadata.
func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if h.handlePreflight(w, r, http.MethodGet) {
		return
	}

	base := util.NormalizeURL(h.config.ServerURL)
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/oauth/authorize",
		TokenEndpoint:                     base + "/oauth/token",
		ScopesSupported:                   []string{h.config.DefaultScope},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{security.PKCEMethodS256, security.PKCEMethodPlain},
	})
}

// handleMCP forwards an authenticated protocol call to the dispatcher.
// RequireAuth has already run; the identity is on the context.
func (h *Handler) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrInvalidRequest("method not allowed"))
		return
	}

	identity := IdentityFromContext(r.Context())
	if identity == nil {
		h.writeError(w, ErrServerError("no authenticated identity"))
		return
	}

	if h.dispatcher == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:            "unavailable",
			ErrorDescription: "no dispatcher configured",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, ErrInvalidRequest("failed to read request body"))
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), identity, body)
	if err != nil {
		h.logger.Error("Dispatcher failed", "error", err, "subject", identity.Subject)
		h.writeError(w, ErrServerError("dispatch failed"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

// identityContextKey is the context key for the authenticated identity.
type identityContextKey struct{}

// IdentityFromContext returns the authenticated identity set by
// RequireAuth, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if identity, ok := ctx.Value(identityContextKey{}).(*Identity); ok {
		return identity
	}
	return nil
}

// RequireAuth wraps a handler with bearer authentication. Failures answer
// 401 with a WWW-Authenticate challenge naming the service realm.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.handlePreflight(w, r, http.MethodPost) {
			return
		}

		identity, err := h.auth.Authenticate(r.Context(), r.Header)
		if err != nil {
			h.auditor.LogAuthFailure("", "", h.clientIP(r), err.Error())
			h.writeUnauthorized(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// allowRequest enforces the per-IP rate limit. Returns false after writing
// the 429 response.
func (h *Handler) allowRequest(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}

	ip := h.clientIP(r)
	if h.limiter.Allow(ip) {
		return true
	}

	h.auditor.LogRateLimitExceeded(ip, "")
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.writeError(w, ErrRateLimitExceeded("too many requests"))
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
}

// handlePreflight answers CORS preflight requests. Returns true when the
// request was a preflight and has been handled.
func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request, allowMethod string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method != http.MethodOptions {
		return false
	}

	w.Header().Set("Access-Control-Allow-Methods", allowMethod+", OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// writeTokenResponse writes a successful token response with the caching
// headers RFC 6749 requires.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	security.SetSecurityHeaders(w, h.config.ServerURL)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

// writeError maps an error to its OAuth wire form. Unclassified faults
// become server_error with a generic description.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *Error
	switch e := err.(type) {
	case *Error:
		oauthErr = e
	default:
		h.logger.Error("Unclassified handler error", "error", err)
		oauthErr = ErrServerError("internal server error")
	}

	security.SetSecurityHeaders(w, h.config.ServerURL)
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// writeUnauthorized writes the 401 shape protected resources use: a
// WWW-Authenticate challenge plus an Unauthorized JSON body.
func (h *Handler) writeUnauthorized(w http.ResponseWriter, err error) {
	security.SetSecurityHeaders(w, h.config.ServerURL)
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", h.config.ServiceName))

	var message string
	switch err {
	case ErrMissingCredentials:
		message = "Authorization header is required"
	case ErrMalformedCredentials:
		message = "Authorization header must be a Bearer token"
	default:
		message = "Invalid or expired token"
	}

	h.writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":   "Unauthorized",
		"message": message,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
