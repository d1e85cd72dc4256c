package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// DisplayClaims holds identity fields read out of the bearer token. The
// token's signature is NOT verified here; the backend verifies every call.
// These values are for logs and audit display fields only and must never be
// treated as authoritative.
type DisplayClaims struct {
	Subject string
	Name    string
	Role    string
}

// DecodeDisplayClaims extracts display-only identity from a bearer token
// without signature verification.
func DecodeDisplayClaims(token string) (DisplayClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return DisplayClaims{}, fmt.Errorf("failed to decode bearer token: %w", err)
	}

	out := DisplayClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if name, ok := claims["name"].(string); ok {
		out.Name = name
	}
	if role, ok := claims["role"].(string); ok {
		out.Role = role
	}
	return out, nil
}
