// Package gateway implements an OAuth 2.0 authorization code engine with
// PKCE support and bearer-token authentication for an MCP protocol gateway.
//
// The gateway issues and validates its own opaque tokens after delegating
// the user-facing trust decision to an external identity provider. It does
// not verify passwords or hold a user database.
//
// Components:
//
//   - Registry: static client registry with redirect URI validation
//   - Engine: code issuance, code exchange, token refresh, token validation
//   - Authenticator: bearer extraction with OAuth-first validation and an
//     optional static development token fallback
//   - Handler: the HTTP surface (/oauth/authorize, /oauth/callback,
//     /oauth/token, /health, /mcp, RFC 8414 metadata)
//
// Storage is pluggable through the storage package: an in-memory store for
// single-instance deployments and a Redis store for horizontal scaling,
// where the single-use code guarantee must hold across processes.
package gateway
