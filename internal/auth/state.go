package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/sakif/readmebot/internal/vault"
)

const (
	stateIssuer = "readmebot-oauth-state"

	// StateCookie carries a copy of the state between /auth/github and the
	// callback. GitHub echoes the query parameter; the browser returns the
	// cookie. Both must match.
	StateCookie = "oauth_state"

	DefaultStateTTL = 10 * time.Minute
)

var ErrInvalidState = errors.New("auth: invalid OAuth state")

// StateSigner issues the anti-CSRF state for the OAuth redirect: a short
// JWT around a random xid nonce. Nothing is stored server-side.
//
// The signing key is derived from the session secret with HKDF, so a state
// value can never be replayed as a session token or the other way round.
type StateSigner struct {
	key []byte
	ttl time.Duration
}

func NewStateSigner(sessionSecret []byte, ttl time.Duration) (*StateSigner, error) {
	key, err := vault.DeriveKey(sessionSecret, "readmebot-oauth-state")
	if err != nil {
		return nil, fmt.Errorf("auth: deriving state key: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{key: key, ttl: ttl}, nil
}

// TTL is also used as the state cookie's Max-Age.
func (s *StateSigner) TTL() time.Duration {
	return s.ttl
}

// Issue returns a fresh signed state.
func (s *StateSigner) Issue() (string, error) {
	now := time.Now()
	c := jwt.RegisteredClaims{
		ID:        xid.New().String(),
		Issuer:    stateIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: signing state: %w", err)
	}
	return signed, nil
}

// Check verifies the state returned by GitHub against the cookie copy and
// then its signature and expiry.
func (s *StateSigner) Check(state, cookie string) error {
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(cookie)) != 1 {
		return ErrInvalidState
	}

	_, err := jwt.ParseWithClaims(state, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}
