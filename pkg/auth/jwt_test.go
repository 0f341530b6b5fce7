package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-tests"

func newTestGenerator(t *testing.T, expiry time.Duration) *JWTGenerator {
	t.Helper()
	gen, err := NewJWTGenerator(JWTGeneratorConfig{
		SigningMethod: "HS256",
		SecretKey:     testSecret,
		Issuer:        "payflow-backend",
		Audience:      []string{"payflow-api"},
		ExpiryTime:    expiry,
	})
	require.NoError(t, err)
	return gen
}

func newTestValidator(t *testing.T, secret string) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     secret,
		Issuer:        "payflow-backend",
		Audience:      []string{"payflow-api"},
	})
	require.NoError(t, err)
	return v
}

func TestJWT_GenerateAndValidate(t *testing.T) {
	gen := newTestGenerator(t, time.Hour)
	validator := newTestValidator(t, testSecret)

	token, err := gen.GenerateToken("user-1", "u@example.com", []string{"customer"})
	require.NoError(t, err)

	claims, err := validator.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "u@example.com", claims.Email)
	assert.Equal(t, []string{"customer"}, claims.Roles)
}

func TestJWT_ExpiredTokenStillYieldsClaims(t *testing.T) {
	gen := newTestGenerator(t, -time.Minute)
	validator := newTestValidator(t, testSecret)

	token, err := gen.GenerateToken("user-1", "", nil)
	require.NoError(t, err)

	claims, err := validator.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
	require.NotNil(t, claims, "the refresh path needs the claims of an expired token")
	assert.Equal(t, "user-1", claims.UserID)
}

func TestNewJWTGenerator_ZeroExpiryGetsDefault(t *testing.T) {
	gen := newTestGenerator(t, 0)
	validator := newTestValidator(t, testSecret)

	token, err := gen.GenerateToken("user-1", "", nil)
	require.NoError(t, err)

	_, err = validator.ValidateToken(token)
	assert.NoError(t, err, "zero means unset, not already expired")
}

func TestJWT_WrongSecretRejected(t *testing.T) {
	gen := newTestGenerator(t, time.Hour)
	validator := newTestValidator(t, "a-different-secret")

	token, err := gen.GenerateToken("user-1", "", nil)
	require.NoError(t, err)

	_, err = validator.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestJWT_GarbageTokenRejected(t *testing.T) {
	validator := newTestValidator(t, testSecret)

	_, err := validator.ValidateToken("not.a.token")

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTValidator_RequiresSecret(t *testing.T) {
	_, err := NewJWTValidator(JWTConfig{})

	assert.Error(t, err)
}
