package security

import "time"

// IsExpired reports whether an expiry deadline has been reached.
// The boundary is strict: an entry whose ExpiresAt equals the current
// instant is already expired. Validation always re-checks lazily against
// the wall clock; nothing relies on eager eviction.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now())
}

// IsExpiredAt reports whether expiresAt has been reached at the given
// instant. Exposed separately so tests can pin the clock.
func IsExpiredAt(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false // no expiration
	}
	return !expiresAt.After(now)
}
