// Package auth verifies write credentials. The engine does not issue
// credentials or run a login flow; it only checks that the caller presents
// a valid token before a mutation touches any state.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gillohner/eventky-sub000/pkg/model"
)

// Claims carries the author identity inside the write credential.
type Claims struct {
	AuthorID string `json:"authorId"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed write credentials.
type Verifier struct {
	key []byte
}

// NewVerifier creates a Verifier over the given signing key.
func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key}
}

// Verify parses and validates the credential and returns the author it was
// issued for. Any failure maps to model.ErrAuthenticationRequired so
// mutations fail fast without touching state.
func (v *Verifier) Verify(credential string) (string, error) {
	if credential == "" {
		return "", model.ErrAuthenticationRequired
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", model.ErrAuthenticationRequired, err)
	}

	authorID := claims.AuthorID
	if authorID == "" {
		authorID = claims.Subject
	}
	if authorID == "" {
		return "", fmt.Errorf("%w: credential carries no author", model.ErrAuthenticationRequired)
	}
	return authorID, nil
}

// Sign issues a credential for the given author, valid for ttl.
func (v *Verifier) Sign(authorID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AuthorID: authorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   authorID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.key)
}
