package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozhii/curator/internal/common"
)

func newTestService() *Service {
	return NewService("admin", "hunter2", []byte("super-secret"), time.Hour)
}

func TestLoginAndVerify(t *testing.T) {
	t.Parallel()
	s := newTestService()

	token, err := s.Login("admin", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	username, err := s.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", username)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	s := newTestService()

	for _, tc := range [][2]string{
		{"admin", "wrong"},
		{"intruder", "hunter2"},
		{"", ""},
	} {
		_, err := s.Login(tc[0], tc[1])
		assert.ErrorIs(t, err, common.ErrUnauthorized, "user=%q pass=%q", tc[0], tc[1])
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	t.Parallel()
	s := NewService("admin", "hunter2", []byte("super-secret"), -time.Second)

	token, err := s.Login("admin", "hunter2")
	require.NoError(t, err)

	_, err = s.VerifyToken(token)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	t.Parallel()

	token, err := newTestService().Login("admin", "hunter2")
	require.NoError(t, err)

	other := NewService("admin", "hunter2", []byte("different-secret"), time.Hour)
	_, err = other.VerifyToken(token)
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}

func TestVerifyTokenGarbage(t *testing.T) {
	t.Parallel()
	_, err := newTestService().VerifyToken("not-a-token")
	assert.ErrorIs(t, err, common.ErrInvalidToken)
}
