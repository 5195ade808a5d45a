package auth

import (
	"fmt"
	"time"

	"github.com/captivegate/captivegate/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminRole is the only role carried by admin tokens
const AdminRole = "operator"

// AdminTokenService issues and validates operator bearer tokens.
type AdminTokenService struct {
	key    []byte
	ttl    time.Duration
	issuer string
}

// AdminClaims represents the claims in an operator token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// NewAdminTokenService creates a new AdminTokenService. Tokens are HS256 signed with a key
// derived from the gateway signing secret, so any node sharing the secret accepts them.
func NewAdminTokenService(secret string, cfg config.AdminConfig) *AdminTokenService {
	return &AdminTokenService{
		key:    []byte("admin:" + secret),
		ttl:    cfg.TokenTTL,
		issuer: cfg.Issuer,
	}
}

// Issue creates a signed operator token for subject.
func (s *AdminTokenService) Issue(subject string) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(s.ttl)

	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			ID:        uuid.New().String(),
		},
		Role: AdminRole,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, expiry, nil
}

// Validate validates an operator token and returns the claims.
func (s *AdminTokenService) Validate(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Role != AdminRole {
		return nil, fmt.Errorf("invalid token role %q", claims.Role)
	}

	return claims, nil
}
