package mgmt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestJWT(t *testing.T, secret, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "test-user",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerifyJWT_ValidRoles(t *testing.T) {
	for _, role := range []string{"admin", "operator", "readonly"} {
		token := signTestJWT(t, "secret", role)
		got, err := verifyJWT(token, "secret")
		require.NoError(t, err, "role: %s", role)
		assert.Equal(t, Role(role), got)
	}
}

func TestVerifyJWT_UnknownRole(t *testing.T) {
	token := signTestJWT(t, "secret", "superuser")
	_, err := verifyJWT(token, "secret")
	assert.Error(t, err)
}

func TestVerifyJWT_NoRoleDefaultsReadOnly(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test-user",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	got, err := verifyJWT(signed, "secret")
	require.NoError(t, err)
	assert.Equal(t, RoleReadOnly, got)
}

func TestVerifyJWT_Expired(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "test-user",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = verifyJWT(signed, "secret")
	assert.Error(t, err)
}

func TestVerifyJWT_WrongSecret(t *testing.T) {
	token := signTestJWT(t, "secret", "admin")
	_, err := verifyJWT(token, "other")
	assert.Error(t, err)
}
