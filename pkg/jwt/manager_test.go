package jwt

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RoundTrip(t *testing.T) {
	m := NewManager("secret", "coolchat")

	token, err := m.Generate("u_alice", "alice", time.Hour)
	require.NoError(t, err)

	claims, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u_alice", claims.Identity())
	assert.Equal(t, "alice", claims.Username)
	assert.NotEmpty(t, claims.ID)
}

func TestManager_Expired(t *testing.T) {
	m := NewManager("secret", "").(*manager)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := m.Generate("u_alice", "", time.Hour)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_WrongSecret(t *testing.T) {
	token, err := NewManager("secret", "").Generate("u_alice", "", time.Hour)
	require.NoError(t, err)

	_, err = NewManager("other", "").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_WrongIssuer(t *testing.T) {
	token, err := NewManager("secret", "a").Generate("u_alice", "", time.Hour)
	require.NoError(t, err)

	_, err = NewManager("secret", "b").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_LegacyUserIDClaim(t *testing.T) {
	// 旧服务签发的 token 只有 userId
	legacy := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"userId":   "u_bob",
		"username": "bob",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	token, err := legacy.SignedString([]byte("secret"))
	require.NoError(t, err)

	claims, err := NewManager("secret", "").Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u_bob", claims.Identity())
}

func TestManager_NoSubject(t *testing.T) {
	_, err := NewManager("secret", "").Generate("", "", time.Hour)
	assert.ErrorIs(t, err, ErrNoSubject)

	anon := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := anon.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewManager("secret", "").Parse(token)
	assert.ErrorIs(t, err, ErrNoSubject)
}
