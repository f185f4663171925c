// Package auth issues and verifies session tokens, hashes passwords, and
// provides the bearer-token middleware for protected routes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the fixed lifetime of an issued session token.
const TokenTTL = time.Hour

const minSecretLength = 16

var (
	ErrMissingSecret = errors.New("token signing secret is required")
	ErrWeakSecret    = fmt.Errorf("token signing secret must be at least %d bytes", minSecretLength)
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims is the payload of a session token.
type Claims struct {
	UserID   int    `json:"userId"`
	UserRole string `json:"userRole"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens with a shared secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    TokenTTL,
		now:    time.Now,
	}, nil
}

// Issue mints a token carrying the user id and role, valid for TokenTTL.
func (i *TokenIssuer) Issue(userID int, role string) (string, error) {
	now := i.now()
	claims := Claims{
		UserID:   userID,
		UserRole: role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of tokenString and returns its claims.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return i.secret, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID < 1 {
		return nil, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}
	return claims, nil
}
