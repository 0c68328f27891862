package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAttendee = "attendee"
	RoleHost     = "host"
	RoleAdmin    = "admin"
)

const audience = "eventcheckin-api"

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func NewAccessToken(sub, name, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Sub:  sub,
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{audience},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func Parse(tokenString, secret string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(audience))
	if err != nil {
		return nil, err
	}
	if claims, ok := tok.Claims.(*Claims); ok && tok.Valid {
		if claims.Sub == "" {
			return nil, errors.New("token has no subject")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// CanHost reports whether the caller may open or close check-in displays.
func (c *Claims) CanHost() bool {
	return c.Role == RoleHost || c.Role == RoleAdmin
}
