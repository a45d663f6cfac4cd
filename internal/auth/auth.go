// Package auth
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service handles authentication for the ops API.
type Service struct {
	jwtSecret     []byte
	tokenExpiry   time.Duration
	adminUsername string
	adminPassword string
}

// Claims represents JWT token claims.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// LoginRequest represents the login payload.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents the login response.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewService creates a new authentication service.
func NewService(jwtSecret, adminUsername, adminPassword string, tokenExpiry time.Duration) (*Service, error) {
	if len(jwtSecret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 characters")
	}

	return &Service{
		jwtSecret:     []byte(jwtSecret),
		tokenExpiry:   tokenExpiry,
		adminUsername: adminUsername,
		adminPassword: adminPassword,
	}, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(username, password string) (*LoginResponse, error) {
	// Simple authentication against configured admin credentials
	if username != s.adminUsername || password != s.adminPassword {
		return nil, errors.New("invalid credentials")
	}

	expiresAt := time.Now().Add(s.tokenExpiry)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "vigild",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &LoginResponse{
		Token:     tokenString,
		ExpiresAt: expiresAt,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}
