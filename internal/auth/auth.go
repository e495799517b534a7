// Package auth authenticates a session handshake's auth_token (spec
// §4.5.1's Hello) into a stable sender identity, grounded on the
// teacher's oidc/auth0 JWT handling.
package auth

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the payload a Hello.auth_token must carry.
type Claims struct {
	SenderId uint64 `json:"sid"`
	jwt.RegisteredClaims
}

// Authenticator verifies a session's auth_token and returns the sender
// identity it authorizes.
type Authenticator interface {
	Authenticate(token []byte) (senderId uint64, err error)
}

// JWTAuthenticator validates HMAC-signed tokens minted by a trusted
// issuer out of band (e.g. during account provisioning).
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

func (a *JWTAuthenticator) Authenticate(token []byte) (uint64, error) {
	if len(token) == 0 {
		return 0, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(string(token), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.SenderId, nil
}

// AllowAll treats auth_token as a decimal sender_id with no signature
// check. Intended for the simulation harness, never for production
// wiring.
type AllowAll struct{}

func (AllowAll) Authenticate(token []byte) (uint64, error) {
	if len(token) == 0 {
		return 0, nil
	}
	id, err := strconv.ParseUint(string(token), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, nil
}
