package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidator_RequiresSecret(t *testing.T) {
	_, err := NewValidator(Config{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestValidator_ValidateToken(t *testing.T) {
	ctx := context.Background()
	v, err := NewValidator(Config{SecretKey: "test-secret"})
	require.NoError(t, err)

	token, err := v.Issue("user-42", time.Hour)
	require.NoError(t, err)

	subject, err := v.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)
}

func TestValidator_Rejects(t *testing.T) {
	ctx := context.Background()
	v, err := NewValidator(Config{SecretKey: "test-secret", Issuer: "portal"})
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Subject:   "u",
		Issuer:    "portal",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExp := valid
	noExp.ExpiresAt = nil

	otherIssuer := valid
	otherIssuer.Issuer = "elsewhere"

	noSubject := valid
	noSubject.Subject = ""

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: sign(jwt.SigningMethodHS256, []byte("other"), valid)},
		{name: "wrong algorithm", token: sign(jwt.SigningMethodHS512, []byte("test-secret"), valid)},
		{name: "expired", token: sign(jwt.SigningMethodHS256, []byte("test-secret"), expired)},
		{name: "no expiry", token: sign(jwt.SigningMethodHS256, []byte("test-secret"), noExp)},
		{name: "wrong issuer", token: sign(jwt.SigningMethodHS256, []byte("test-secret"), otherIssuer)},
		{name: "no subject", token: sign(jwt.SigningMethodHS256, []byte("test-secret"), noSubject)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(ctx, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = v.ValidateToken(ctx, sign(jwt.SigningMethodHS256, []byte("test-secret"), valid))
	assert.NoError(t, err)
}
