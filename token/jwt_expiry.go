package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtExpiry extracts the exp claim from a token that happens to be a JWT.
// The signature is deliberately not verified: the server remains
// authoritative, this only informs the local expiring-soon policy.
func jwtExpiry(raw string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
