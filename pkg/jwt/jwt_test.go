package jwt

import (
	"testing"
	"time"

	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("alice", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, "secret")
	require.NoError(t, err)
	require.Equal(t, "alice", claims.UserId)
	require.Equal(t, "amenchat", claims.Issuer)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("alice", "secret", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(token, "other")
	require.True(t, errcode.Is(err, errcode.ErrNoPermission))
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := GenerateToken("alice", "secret", -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(token, "secret")
	require.True(t, errcode.Is(err, errcode.ErrNoPermission))
}
