// Package token issues and verifies the short-lived session tokens that
// authorize live-transcription WebSocket upgrades.
package token

import (
	"crypto/rand"
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// DefaultTTL is how long an issued session token remains valid. There is no
// server-side revocation; expiry is the only destruction mechanism.
const DefaultTTL = time.Hour

// ErrUnexpectedSigningMethod is returned inside verification when the
// signing method on a presented token is not HMAC.
var ErrUnexpectedSigningMethod = errors.New("unexpected signing method on jwt")

// Issuer signs and verifies session tokens with a process-wide HMAC secret.
// A token asserts only "holder passed the nonce check recently"; it carries
// no identity claims.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer returns an Issuer signing with secret. If secret is empty a
// random process-local secret is generated; tokens then verify only within
// this process and only until it restarts. A zero ttl selects DefaultTTL.
// Negative ttl values are accepted so tests can mint pre-expired tokens.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if len(secret) == 0 {
		secret = randomSecret()
	}
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue produces a signed HS256 token carrying issued-at and expiry claims.
func (i *Issuer) Issue() (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	})
	return t.SignedString(i.secret)
}

// Verify reports whether tokenString is a well-formed, untampered token
// signed by this issuer whose expiry has not passed. Every failure mode is
// reported as false; Verify never panics and never surfaces an error.
func (i *Issuer) Verify(tokenString string) bool {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	tok, err := parser.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnexpectedSigningMethod
		}
		return i.secret, nil
	})
	if err != nil || !tok.Valid {
		return false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	// the default claim validation accepts a missing exp; require it
	return claims.VerifyExpiresAt(time.Now().Unix(), true)
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
