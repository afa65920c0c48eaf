// Package auth issues and checks the credentials the HTTP API relies on:
// bearer session tokens (JWT, HS256), the signed OAuth state nonce, and the
// GitHub OAuth code exchange.
//
// SESSION FLOW:
//  1. Browser hits /auth/github and is redirected to GitHub with a signed state.
//  2. GitHub calls back /auth/github/callback with a code.
//  3. The service exchanges the code, stores the encrypted GitHub token, and
//     issues a session JWT whose subject is the internal account ID.
//  4. The frontend sends it back as "Authorization: Bearer <jwt>".
//
// Validation needs only the secret. The middleware still re-checks that the
// account exists so a removed account cannot keep using old tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "readmebot"

	// DefaultSessionTTL applies when NewTokenService is given a zero TTL.
	DefaultSessionTTL = 7 * 24 * time.Hour
)

// TokenService handles session JWT creation and validation.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret and session
// lifetime. The secret should be 32+ random bytes in production, e.g.
// JWT_SECRET=$(openssl rand -hex 32).
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Secret exposes the signing secret so other keys (the OAuth state key) can
// be derived from it with HKDF instead of reusing it directly.
func (s *TokenService) Secret() []byte {
	return s.secret
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a session token for accountID with the configured TTL.
func (s *TokenService) Generate(accountID string) (string, error) {
	return s.GenerateWithDuration(accountID, s.ttl)
}

// GenerateWithDuration signs a token with a custom lifetime. Tests use a
// negative duration to get an already-expired token.
func (s *TokenService) GenerateWithDuration(accountID string, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate verifies signature, expiry and issuer and returns the account ID
// from the "sub" claim.
//
// WithValidMethods pins HS256, which rules out "alg: none" and RS/HS
// confusion tricks.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}

	return c.Subject, nil
}
