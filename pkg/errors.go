// Package pkg holds helpers shared by every layer: the domain error taxonomy
// and the HTTP response envelope.
//
// Errors are plain sentinel values wrapped with context on the way up:
//
//	return fmt.Errorf("%w: session revoked", pkg.ErrUnauthorized)
//
// Callers classify them with errors.Is or KindOf, never by message text.
package pkg

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyExists = errors.New("already exists")
	ErrBadRequest    = errors.New("bad request")
	ErrInternal      = errors.New("internal error")

	// ErrConflict marks a broken invariant caught by the store, e.g. a second
	// delivery record for the same (message, recipient) pair. It points at a
	// caller bug and is not retried.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable marks a transient dependency failure (timeout, lost
	// connection). Write paths surface it so the caller can retry.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// Kind is the closed set of error categories the handlers and the realtime
// layer switch on.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindAlreadyExists
	KindBadRequest
	KindConflict
	KindUnavailable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindAlreadyExists:
		return "already_exists"
	case KindBadRequest:
		return "bad_request"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf classifies err. Context deadlines count as transient failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// IsRetryable reports whether err is worth retrying by the caller.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// Unavailable wraps a dependency failure so that it classifies as
// KindUnavailable while keeping the cause in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
