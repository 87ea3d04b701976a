package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is wrapped in a KindAuth error when the bearer token is a
// JWT whose exp claim has passed. No request is sent in that case.
var ErrTokenExpired = errors.New("access token expired")

// TokenSource supplies the bearer token for each request. An empty token
// means the request is sent without an Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, typically read from config.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// checkExpiry returns ErrTokenExpired when token is a JWT past its exp
// claim. Opaque tokens and JWTs without exp are passed through; the backend
// remains the authority on validity.
func checkExpiry(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if now.After(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}
