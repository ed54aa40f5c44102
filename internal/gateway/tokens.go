package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Actor values carried in session tokens.
const (
	ActorUser      = "user"
	ActorVolunteer = "volunteer"
)

// Claims binds a token to one session or one volunteer.
type Claims struct {
	Actor       string `json:"actor"`
	SessionID   string `json:"session_id,omitempty"`
	AnonymousID string `json:"anonymous_id,omitempty"`
	VolunteerID string `json:"volunteer_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager mints and validates HMAC session tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a token manager.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// MintSession issues a user token scoped to one session.
func (tm *TokenManager) MintSession(sessionID uuid.UUID, anonymousID string) (string, error) {
	return tm.sign(Claims{
		Actor:       ActorUser,
		SessionID:   sessionID.String(),
		AnonymousID: anonymousID,
	})
}

// MintVolunteer issues a volunteer token.
func (tm *TokenManager) MintVolunteer(volunteerID uuid.UUID) (string, error) {
	return tm.sign(Claims{
		Actor:       ActorVolunteer,
		VolunteerID: volunteerID.String(),
	})
}

func (tm *TokenManager) sign(claims Claims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// allowSession reports whether the claims grant access to the session. User
// tokens are scoped to their own session; volunteer tokens may touch any.
func (c *Claims) allowSession(sessionID uuid.UUID) bool {
	if c.Actor == ActorVolunteer {
		return true
	}
	return c.SessionID == sessionID.String()
}
