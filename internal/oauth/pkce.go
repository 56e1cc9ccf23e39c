package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// RandomToken returns n random bytes as unpadded URL-safe base64. Used for
// state ids (32 bytes) and PKCE verifiers (32 or 64 bytes per provider).
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Challenge derives the S256 PKCE code challenge from a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CleanCode strips URL fragments some identity providers append to the
// authorization code ("...#_=_" and stray "&state=..." tails).
func CleanCode(code string) string {
	if i := strings.IndexAny(code, "#&"); i >= 0 {
		return code[:i]
	}
	return code
}
