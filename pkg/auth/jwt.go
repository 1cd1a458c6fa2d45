package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims expected by the custody API. The subject is
// the actor recorded on ledger events; permissions gate operations.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

// JWTValidator validates JWT tokens and extracts claims.
type JWTValidator struct {
	keyFunc jwt.Keyfunc
}

// NewJWTValidator creates a validator with the given key function.
func NewJWTValidator(keyFunc jwt.Keyfunc) *JWTValidator {
	if keyFunc == nil {
		return nil
	}
	return &JWTValidator{keyFunc: keyFunc}
}

// NewHMACValidator creates a validator for HS256-signed tokens.
func NewHMACValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return NewJWTValidator(func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || v.keyFunc == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	return claims, nil
}

// Principal builds the request principal from validated claims.
func (c *Claims) Principal() Principal {
	return &BasePrincipal{ID: c.Subject, Permissions: c.Permissions}
}
