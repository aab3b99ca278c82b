package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidSession is returned for missing, malformed, expired, or
// tampered session tokens.
var ErrInvalidSession = errors.New("invalid session")

// Session is the identity carried by an authenticated client connection.
type Session struct {
	UserID               string
	ActiveOrganizationID string
}

// SessionDecoder validates a session cookie value and extracts the
// identity. The cookie is issued by the external auth service; this side
// only verifies it.
type SessionDecoder interface {
	Decode(cookieValue string) (*Session, error)
}

// JWTDecoder verifies HMAC-signed session tokens sharing a secret with the
// auth service.
type JWTDecoder struct {
	secret []byte
}

// NewJWTDecoder creates a decoder with the shared signing secret.
func NewJWTDecoder(secret string) *JWTDecoder {
	return &JWTDecoder{secret: []byte(secret)}
}

type sessionClaims struct {
	UserID               string `json:"userId"`
	ActiveOrganizationID string `json:"activeOrganizationId"`
	jwt.RegisteredClaims
}

// Decode verifies the token signature and expiry and returns the session
// identity. Tokens signed with any algorithm other than HMAC are rejected.
func (d *JWTDecoder) Decode(cookieValue string) (*Session, error) {
	if cookieValue == "" {
		return nil, ErrInvalidSession
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookieValue, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidSession
	}

	if claims.UserID == "" {
		return nil, ErrInvalidSession
	}

	return &Session{
		UserID:               claims.UserID,
		ActiveOrganizationID: claims.ActiveOrganizationID,
	}, nil
}
