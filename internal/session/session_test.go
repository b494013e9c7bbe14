package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueThenParseRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken("user-42", secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserId)
}

func TestParseTokenEmptyStringIsAnonymous(t *testing.T) {
	claims, err := ParseToken("", []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "", claims.UserId)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("user-42", []byte("secret-a"), time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(token, []byte("secret-b"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken("user-42", secret, -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(token, secret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
