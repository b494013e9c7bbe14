// Package session reads the userId carried in a document worker's
// session JWT, used by the storage manager to authorize per-user forks.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for a malformed or unverifiable token.
var ErrInvalidToken = errors.New("session: invalid token")

// Claims identifies the caller behind a document operation.
type Claims struct {
	UserId string
}

type tokenClaims struct {
	UserId string `json:"userId"`
	jwt.RegisteredClaims
}

// ParseToken verifies tokenString against secret and extracts its
// claims. An empty tokenString is valid and yields the zero Claims (an
// anonymous caller), matching routes that do not require a session.
func ParseToken(tokenString string, secret []byte) (Claims, error) {
	if tokenString == "" {
		return Claims{}, nil
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Claims{UserId: claims.UserId}, nil
}

// IssueToken signs a token for userId, expiring after ttl. Used by tests
// and by internal tooling that needs to mint a session for itself.
func IssueToken(userId string, secret []byte, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		UserId: userId,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
