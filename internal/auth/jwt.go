// Package auth verifies the HS256 bearer tokens issued by the login service.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/npezzotti/go-teamchat/internal/types"
)

var ErrInvalidToken = errors.New("invalid or expired token")

type Claims struct {
	UserId string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify checks the signature and expiry of tokenString and returns the user
// it was issued to.
func (v *Verifier) Verify(tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, ErrInvalidToken
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if _, err := uuid.Parse(claims.UserId); err != nil {
		return types.User{}, fmt.Errorf("%w: bad user id claim", ErrInvalidToken)
	}

	return types.User{Id: claims.UserId, Name: claims.Name}, nil
}

// Sign issues a token for user. The chat server never calls it; it exists
// for tests and local tooling.
func (v *Verifier) Sign(user types.User, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserId: user.Id,
		Email:  email,
		Name:   user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
