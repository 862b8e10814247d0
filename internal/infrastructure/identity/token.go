package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenParser decodes without verifying: we only need the exp claim, the
// upstream is the one who validates signatures.
var tokenParser = jwt.NewParser()

// TokenExpiresAt extracts the expiry of an upstream bearer token.
// Returns ok=false for tokens that do not parse as JWTs; those are treated
// as non-expiring but still refreshed when flagged.
func TokenExpiresAt(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := tokenParser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenExpired reports whether the token is already past its exp claim.
func TokenExpired(token string) bool {
	exp, ok := TokenExpiresAt(token)
	return ok && time.Now().After(exp)
}

// TokenExpiresWithin reports whether the token expires inside the window.
// Used by the refresh scheduler's 7-day warning window.
func TokenExpiresWithin(token string, window time.Duration) bool {
	exp, ok := TokenExpiresAt(token)
	return ok && time.Now().Add(window).After(exp)
}
