package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signHS256(t *testing.T, claims *CustomClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestNewSecretValidator_RejectsShortSecret(t *testing.T) {
	_, err := NewSecretValidator("too-short")
	assert.Error(t, err)
}

func TestValidateToken_Valid(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	claims := &CustomClaims{
		Name:  "Ada",
		Email: "ada@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	got, err := v.ValidateToken(signHS256(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)
	assert.Equal(t, "Ada", got.Name)
}

func TestValidateToken_Expired(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	claims := &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}

	_, err = v.ValidateToken(signHS256(t, claims))
	assert.Error(t, err)
}

func TestValidateToken_MissingExpiry(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	claims := &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}

	_, err = v.ValidateToken(signHS256(t, claims))
	assert.Error(t, err)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	_, err = v.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidateToken_NoSubject(t *testing.T) {
	v, err := NewSecretValidator(testSecret)
	require.NoError(t, err)

	claims := &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	_, err = v.ValidateToken(signHS256(t, claims))
	assert.Error(t, err)
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		claims CustomClaims
		want   string
	}{
		{"name claim wins", CustomClaims{Name: "Ada", Email: "ada@example.com"}, "Ada"},
		{"email local part", CustomClaims{Email: "ada@example.com"}, "ada"},
		{"subject fallback", CustomClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"}}, "u-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.claims.DisplayName())
		})
	}
}

func TestMockValidator_ParsesSubject(t *testing.T) {
	v := &MockValidator{}

	claims := &CustomClaims{
		Name: "Grace",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	got, err := v.ValidateToken(signHS256(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "user-42", got.Subject)
	assert.Equal(t, "Grace", got.Name)
}

func TestMockValidator_GarbageTokenFallsBack(t *testing.T) {
	v := &MockValidator{}
	got, err := v.ValidateToken("not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-123", got.Subject)
}
