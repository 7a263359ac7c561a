package chat

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller. The sync core never retries on
// its own; the kind tells the UI layer what to do with the failure.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindTransport  Kind = "transport"
	KindValidation Kind = "validation"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a new classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a cause to a classified error, keeping the kind.
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	return &Error{Kind: e.Kind, Msg: e.Msg, Err: err}
}

// KindOf returns the kind of err, defaulting to transport for any
// unclassified remote failure.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransport
}

// Common failures.
var (
	ErrNotSignedIn          = E(KindAuth, "not signed in")
	ErrBadCredentials       = E(KindAuth, "invalid email or password")
	ErrEmailUnverified      = E(KindAuth, "email address not verified")
	ErrUserExists           = E(KindAuth, "account already exists")
	ErrUserNotFound         = E(KindNotFound, "user not found")
	ErrConversationNotFound = E(KindNotFound, "conversation not found")
	ErrTokenInvalid         = E(KindAuth, "token invalid or expired")
)
