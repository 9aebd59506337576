// Package auth handles moderator login and the HS256 session tokens that
// guard the admin API.
package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mozhii/curator/internal/common"
)

// Claims includes the registered claims plus the authenticated moderator name.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Service verifies static moderator credentials and issues session tokens.
type Service struct {
	username  string
	password  string
	secretKey []byte
	tokenTTL  time.Duration
}

func NewService(username, password string, secretKey []byte, tokenTTL time.Duration) *Service {
	return &Service{
		username:  username,
		password:  password,
		secretKey: secretKey,
		tokenTTL:  tokenTTL,
	}
}

// Login checks the credentials in constant time and returns a session token.
func (s *Service) Login(username, password string) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	if !userOK || !passOK {
		return "", common.ErrUnauthorized
	}
	return s.generateToken(username)
}

func (s *Service) generateToken(username string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Username: username,
	})
	return token.SignedString(s.secretKey)
}

// VerifyToken parses and validates a session token, returning the moderator
// name it was issued to.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, common.ErrInvalidToken
		}
		return s.secretKey, nil
	})
	if err != nil {
		return "", errors.Join(common.ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", common.ErrInvalidToken
	}

	return claims.Username, nil
}
