package iac

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL bounds an operator session token.
const DefaultSessionTTL = 8 * time.Hour

// SessionClaims extends standard JWT claims with operator fields.
type SessionClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
	// MFAVerifiedAt is the unix time of the last MFA verification bound
	// into the session, zero when none.
	MFAVerifiedAt int64 `json:"mfa_verified_at,omitempty"`
}

// SessionManager issues and validates operator session tokens (HS256).
type SessionManager struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewSessionManager builds a session manager over a shared signing key.
func NewSessionManager(key []byte) *SessionManager {
	return &SessionManager{key: key, ttl: DefaultSessionTTL, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (sm *SessionManager) WithClock(clock func() time.Time) *SessionManager {
	sm.clock = clock
	return sm
}

// IssueSession creates a signed token for an operator.
func (sm *SessionManager) IssueSession(operatorID string, role Role, mfaVerifiedAt time.Time) (string, error) {
	now := sm.clock().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sm.ttl)),
			Issuer:    "cloudwarden/iac",
			Audience:  jwt.ClaimStrings{"cloudwarden.internal"},
		},
		Role: role,
	}
	if !mfaVerifiedAt.IsZero() {
		claims.MFAVerifiedAt = mfaVerifiedAt.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(sm.key)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// ParseSession validates the signature and expiry and returns the claims.
func (sm *SessionManager) ParseSession(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return sm.key, nil
		},
		jwt.WithTimeFunc(sm.clock),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
