package gateway

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Default configuration values.
const (
	DefaultCodeTTL         = 600 * time.Second
	DefaultAccessTokenTTL  = 60 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultScope           = "all-apis"
	DefaultSubject         = "authenticated_user"
	DefaultServiceName     = "mcp-gateway"
	DefaultListenAddr      = ":8080"
)

// Config holds the gateway configuration.
type Config struct {
	// ServiceName identifies the service in health responses, the 401
	// realm, and telemetry.
	ServiceName string

	// ServerURL is the externally visible base URL of the gateway, used
	// for RFC 8414 metadata and security headers.
	ServerURL string

	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string

	// Provider references the delegated identity provider endpoints.
	Provider ProviderConfig

	// DefaultRedirectURI is used when an authorize request omits
	// redirect_uri.
	DefaultRedirectURI string

	// CodeTTL is the authorization code validity window.
	CodeTTL time.Duration

	// AccessTokenTTL is the access token validity window.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token validity window.
	RefreshTokenTTL time.Duration

	// DefaultScope is granted when an authorize request omits scope.
	DefaultScope string

	// StaticToken configures the development bearer token fallback.
	StaticToken StaticTokenConfig

	// RateLimit configures per-IP request limiting on OAuth endpoints.
	RateLimit RateLimitConfig

	// RedisURL selects the Redis storage backend when non-empty;
	// otherwise the in-memory store is used.
	RedisURL string

	// EnableAuditLogging enables security audit events (PII hashed).
	EnableAuditLogging bool

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// ProviderConfig holds the delegated identity provider endpoint references.
// The gateway only constructs redirect URLs against these; it never calls
// them directly.
type ProviderConfig struct {
	// AuthorizationEndpoint is the provider's user-facing authorize URL.
	AuthorizationEndpoint string

	// TokenEndpoint is the provider's token URL.
	TokenEndpoint string
}

// StaticTokenConfig holds the optional long-lived development credential.
// It exists for local and manual testing and must stay disabled in
// production configuration.
type StaticTokenConfig struct {
	// Token is the pre-shared bearer value.
	Token string

	// Identity is the subject the token maps to.
	Identity string

	// Enabled turns the fallback on. Requires a non-empty Token.
	Enabled bool
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is how many trailing X-Forwarded-For entries
	// belong to trusted infrastructure.
	TrustedProxyCount int
}

// applyDefaults fills in zero-valued fields with secure defaults.
func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.DefaultScope == "" {
		c.DefaultScope = DefaultScope
	}
	if c.StaticToken.Identity == "" {
		c.StaticToken.Identity = DefaultSubject
	}
	if c.StaticToken.Token == "" {
		c.StaticToken.Enabled = false
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigFromEnv builds a Config from environment variables, loading an
// optional .env file first. Unset variables fall back to defaults.
func ConfigFromEnv() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: os.Getenv("SERVICE_NAME"),
		ServerURL:   os.Getenv("SERVER_URL"),
		ListenAddr:  os.Getenv("LISTEN_ADDR"),
		Provider: ProviderConfig{
			AuthorizationEndpoint: os.Getenv("OAUTH_AUTHORIZATION_ENDPOINT"),
			TokenEndpoint:         os.Getenv("OAUTH_TOKEN_ENDPOINT"),
		},
		DefaultRedirectURI: os.Getenv("OAUTH_DEFAULT_REDIRECT_URI"),
		CodeTTL:            time.Duration(envInt("OAUTH_CODE_TTL_SECONDS", 600)) * time.Second,
		AccessTokenTTL:     time.Duration(envInt("OAUTH_ACCESS_TOKEN_TTL_MINUTES", 60)) * time.Minute,
		RefreshTokenTTL:    time.Duration(envInt("OAUTH_REFRESH_TOKEN_TTL_MINUTES", 10080)) * time.Minute,
		DefaultScope:       os.Getenv("OAUTH_DEFAULT_SCOPE"),
		StaticToken: StaticTokenConfig{
			Token:    os.Getenv("DEV_PAT_TOKEN"),
			Identity: os.Getenv("DEV_PAT_IDENTITY"),
			Enabled:  envBool("DEV_PAT_ENABLED", false),
		},
		RateLimit: RateLimitConfig{
			Rate:              envInt("RATE_LIMIT_RPS", 0),
			Burst:             envInt("RATE_LIMIT_BURST", 0),
			TrustProxy:        envBool("TRUST_PROXY", false),
			TrustedProxyCount: envInt("TRUSTED_PROXY_COUNT", 1),
		},
		RedisURL:           os.Getenv("REDIS_URL"),
		EnableAuditLogging: envBool("AUDIT_LOGGING", true),
	}

	cfg.applyDefaults()
	return cfg
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
