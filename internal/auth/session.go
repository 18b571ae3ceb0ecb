package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled indicates no JWT secret was configured.
	ErrAuthDisabled = errors.New("session auth disabled: no secret configured")

	// ErrInvalidToken covers every session token validation failure.
	ErrInvalidToken = errors.New("invalid session token")
)

// SessionService signs and validates device session tokens.
type SessionService struct {
	secret []byte
	expiry time.Duration
}

// NewSessionService builds a session helper with the given secret and
// expiry (30 days when zero).
func NewSessionService(secret string, expiry time.Duration) *SessionService {
	if expiry <= 0 {
		expiry = 30 * 24 * time.Hour
	}
	return &SessionService{secret: []byte(secret), expiry: expiry}
}

// SessionClaims are the JWT claims of a device session.
type SessionClaims struct {
	UserID  string `json:"user_id,omitempty"`
	IsAdmin bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a session token for an authenticated device.
func (s *SessionService) Issue(d *Device) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return "", errors.New("device id required")
	}
	claims := SessionClaims{
		UserID:  d.UserID,
		IsAdmin: d.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   d.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a session token and returns its claims.
func (s *SessionService) Validate(token string) (*SessionClaims, error) {
	if len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
