// pkg/auth/decode.go
// DecodeUnverified performs the purely structural half of bearer-token
// handling: it parses a JWT's segments and claims without checking a
// signature. internal/trust builds its chain-of-trust evaluation on top of
// this structural decode by default, upgrading to Verifier's real HMAC
// signature check when a domain is configured with a shared secret.
package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned when tokenStr isn't a parseable JWT at all.
var ErrMalformedToken = errors.New("auth: malformed token")

// ErrTokenExpired is returned when the token parses but its exp claim is in
// the past.
var ErrTokenExpired = errors.New("auth: token expired")

// DecodeUnverified parses tokenStr's claims without verifying its signature
// and checks the structural invariants a bearer token must satisfy: it must
// decode as a JWT with a MapClaims payload, and if an exp claim is present it
// must not be in the past.
func DecodeUnverified(tokenStr string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return nil, ErrMalformedToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformedToken
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if exp.Before(time.Now()) {
			return claims, ErrTokenExpired
		}
	}
	return claims, nil
}
