// Package security provides the security primitives used by the gateway:
// PKCE generation and verification, per-IP rate limiting, audit logging with
// PII hashing, client IP extraction, request IDs, expiry checks, and secure
// response headers.
package security
