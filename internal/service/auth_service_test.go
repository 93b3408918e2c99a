package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/pkg/config"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

func signTestToken(t *testing.T, secret string, claims models.JWTClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthServiceValidateToken(t *testing.T) {
	svc := NewAuthService(config.JWTConfig{Secret: "test-secret"})
	token := signTestToken(t, "test-secret", models.JWTClaims{
		UserID: "u1",
		Role:   models.RoleRegistrar,
		Email:  "registrar@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, models.RoleRegistrar, claims.Role)
}

func TestAuthServiceValidateTokenExpired(t *testing.T) {
	svc := NewAuthService(config.JWTConfig{Secret: "test-secret"})
	token := signTestToken(t, "test-secret", models.JWTClaims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := svc.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceValidateTokenWrongSecret(t *testing.T) {
	svc := NewAuthService(config.JWTConfig{Secret: "test-secret"})
	token := signTestToken(t, "other-secret", models.JWTClaims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := svc.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}
