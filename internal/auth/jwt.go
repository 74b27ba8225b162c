package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload issued by the main application's login flow.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// ParseToken validates a bearer token and extracts the caller identity.
func ParseToken(tokenStr, secret string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, fmt.Errorf("token missing subject claim")
	}

	return Identity{
		UserID: claims.Subject,
		Role:   claims.Role,
		Name:   claims.Name,
	}, nil
}
