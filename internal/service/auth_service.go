package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Claims extends JWT standard claims with the caller identity.
type Claims struct {
	jwt.RegisteredClaims
	UserID int        `json:"user_id"`
	Role   model.Role `json:"role"`
}

// Identity returns the identity the claims authenticate.
func (c *Claims) Identity() model.Identity {
	return model.Identity{UserID: c.UserID, Role: c.Role}
}

// AuthService issues and validates access tokens. Logins happen elsewhere;
// this service only trusts tokens signed with the shared secret.
type AuthService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(secret string, expiry time.Duration) *AuthService {
	return &AuthService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// GenerateToken creates an HS256 token for a user.
func (s *AuthService) GenerateToken(userID int, role model.Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", model.ErrValidation, role)
	}
	now := s.now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   strconv.Itoa(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		UserID: userID,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", claims.Role)
	}
	return claims, nil
}
