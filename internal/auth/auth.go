// Package auth issues and checks the bearer tokens that guard operator
// endpoints.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecret     = errors.New("no token secret configured")
	ErrInvalidToken = errors.New("invalid or expired token")
)

const issuer = "lobbybot"

// Claims represents the JWT claims of an operator token
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Service signs and validates operator tokens
type Service struct {
	secret        []byte
	tokenDuration time.Duration
	now           func() time.Time
}

// NewService creates a new auth service
func NewService(secret string, tokenDuration time.Duration) *Service {
	if tokenDuration == 0 {
		tokenDuration = 24 * time.Hour
	}
	return &Service{
		secret:        []byte(secret),
		tokenDuration: tokenDuration,
		now:           time.Now,
	}
}

// GenerateToken creates a token for the named operator
func (s *Service) GenerateToken(operator string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSecret
	}
	now := s.now()
	claims := Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a token and returns its claims. Every token is
// rejected when no secret is configured.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
