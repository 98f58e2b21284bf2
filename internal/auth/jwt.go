package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// DefaultKind is the identity kind of a token that names none.
const DefaultKind = "student"

// Claims are the access-token claims the watcher reads.
type Claims struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Kind returns the identity kind carried by the token.
func (c *Claims) Kind() string {
	switch {
	case c.UserType != "":
		return c.UserType
	case c.Role != "":
		return c.Role
	default:
		return DefaultKind
	}
}

// Subject returns the user id, falling back to the sub claim.
func (c *Claims) Subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// ParseClaims decodes an access token without verifying its signature. The daemon holds
// no signing key; the academy API verifies every token it receives.
func ParseClaims(token string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}
