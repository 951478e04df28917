package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for security audit logging.
const (
	// EventCodeIssued is logged when an authorization code is issued
	EventCodeIssued = "authorization_code_issued"

	// EventCodeReuseDetected is logged when a used code is presented again
	EventCodeReuseDetected = "authorization_code_reuse_detected"

	// EventTokenIssued is logged when access and refresh tokens are minted
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed
	EventTokenRefreshed = "token_refreshed"

	// EventAuthFailure is logged when authentication or a grant fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when PKCE verification fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventStaticTokenUsed is logged when the development static token
	// authenticates a request
	EventStaticTokenUsed = "static_token_used"
)

// Auditor handles security event logging with PII protection.
// Subject identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs the issuance of an authorization code.
func (a *Auditor) LogCodeIssued(clientID, scope string, pkce bool) {
	a.LogEvent(Event{
		Type:     EventCodeIssued,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
			"pkce":  pkce,
		},
	})
}

// LogTokenIssued logs a successful code exchange.
func (a *Auditor) LogTokenIssued(subject, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh. rotated is always false in
// this gateway (same refresh token is reused) but recorded for forensics.
func (a *Auditor) LogTokenRefreshed(subject, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogAuthFailure logs an authentication or grant failure.
func (a *Auditor) LogAuthFailure(subject, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Subject:   subject,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, subject string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		Subject:   subject,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data so audit
// entries can be correlated without exposing the raw value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
