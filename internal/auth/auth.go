// Package auth verifies bearer tokens on the relay and supplies them on
// devices. Tokens are issued by an external identity provider; this package
// never mints credentials outside of tests and local development.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNoToken         = errors.New("no identity token available")
)

// Error is a token rejection. It matches ErrUnauthenticated.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	return target == ErrUnauthenticated
}

func unauthorized(message string) *Error {
	return &Error{Code: "unauthorized", Message: message}
}

type Identity struct {
	OwnerID   string
	ExpiresAt time.Time
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type VerifierFunc func(ctx context.Context, token string) (Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}
