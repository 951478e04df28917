package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// PKCE code challenge methods per RFC 7636.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// GeneratePKCEPair generates a code verifier and its S256 challenge.
// The verifier carries 32 bytes of entropy, base64url encoded without
// padding; the challenge is the base64url-encoded SHA-256 digest of the
// verifier's ASCII bytes.
func GeneratePKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a presented code verifier against a stored challenge.
// For S256 the digest of the verifier is compared to the challenge in
// constant time; for plain the verifier is compared directly. Unknown
// methods fail closed.
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}

	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case PKCEMethodPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
