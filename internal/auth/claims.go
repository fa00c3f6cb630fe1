package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access token fields the client reads. The signature is
// not verified here; the backend verifies every request.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user id, preferring the userId claim over sub
func (c Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// Expiry returns the exp claim, or the zero time when absent
func (c Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func ParseClaims(token string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.User() == "" {
		return Claims{}, fmt.Errorf("access token carries no user id")
	}
	return claims, nil
}
