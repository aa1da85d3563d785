package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

const secret = "test-secret"

func TestVerifyIssuedToken(t *testing.T) {
	v, err := NewVerifier(secret, "chat")
	require.NoError(t, err)

	token, err := NewIssuer(secret, "chat").IssueToken("42", time.Minute)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "42", userID)
}

func TestVerifyNumericUserID(t *testing.T) {
	v, err := NewVerifier(secret, "")
	require.NoError(t, err)

	// tokens minted by the auth subsystem carry integer primary keys
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":    7,
		"token_type": "access",
		"exp":        time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "7", userID)
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewVerifier(secret, "chat")
	require.NoError(t, err)

	sign := func(claims jwt.MapClaims, key string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return token
	}
	exp := time.Now().Add(time.Minute).Unix()

	expired, err := NewIssuer(secret, "chat").IssueToken("1", -time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":         "",
		"garbage":       "not.a.token",
		"expired":       expired,
		"wrong key":     sign(jwt.MapClaims{"user_id": "1", "iss": "chat", "exp": exp}, "other"),
		"wrong issuer":  sign(jwt.MapClaims{"user_id": "1", "iss": "else", "exp": exp}, secret),
		"no expiry":     sign(jwt.MapClaims{"user_id": "1", "iss": "chat"}, secret),
		"refresh token": sign(jwt.MapClaims{"user_id": "1", "iss": "chat", "exp": exp, "token_type": "refresh"}, secret),
		"no user":       sign(jwt.MapClaims{"iss": "chat", "exp": exp}, secret),
	}
	for name, token := range cases {
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, domain.ErrAuthentication, name)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "1", "iss": "chat", "exp": exp}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(none)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", "")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}
