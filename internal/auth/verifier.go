// Package auth verifies upgrade-time access tokens for the websocket
// gateway. The surrounding web application owns authentication proper; this
// package only checks that a presented token is validly signed and extracts
// the numeric user identity from its subject.
package auth

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatherly/chat-delivery/internal/domain"
)

// Verifier validates HS256 access tokens minted by the application's auth
// layer.
type Verifier struct {
	secret []byte
	clock  domain.Clock
}

// VerifierConfig holds configuration for creating a Verifier.
type VerifierConfig struct {
	Secret []byte
	Clock  domain.Clock
}

// NewVerifier creates a new token verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	return &Verifier{secret: cfg.Secret, clock: cfg.Clock}
}

// VerifyUpgradeToken parses and validates a token presented at websocket
// upgrade time and returns the user ID from its subject claim.
func (v *Verifier) VerifyUpgradeToken(tokenString string) (int64, error) {
	var claims jwt.RegisteredClaims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: non-numeric subject %q", domain.ErrUnauthorized, claims.Subject)
	}

	return userID, nil
}
