package service

import (
	"errors"
	"fmt"
)

// Kind tags every failure leaving an authentication flow.
type Kind string

const (
	KindNotFound                 Kind = "NotFound"
	KindInvalidCredentials       Kind = "InvalidCredentials"
	KindAccountSuspended         Kind = "AccountSuspended"
	KindPasswordLoginUnavailable Kind = "PasswordLoginUnavailable"
	KindConflict                 Kind = "Conflict"
	KindInvalidCode              Kind = "InvalidCode"
	KindExpired                  Kind = "Expired"
	KindInvalidToken             Kind = "InvalidToken"
	KindTokenExpired             Kind = "TokenExpired"
	KindUnauthorized             Kind = "Unauthorized"
	KindForbidden                Kind = "Forbidden"
	KindStoreUnavailable         Kind = "StoreUnavailable"
	// KindInternal covers failures that are neither the caller's fault nor
	// the store's, such as a signing or hashing error.
	KindInternal Kind = "Internal"
)

// Error is the tagged error returned by every flow.  Message is safe to show
// to clients; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func wrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err.  Untagged errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Fixed client-facing messages.  InvalidCredentials never says which half of
// the credentials was wrong.
const (
	msgInvalidCredentials = "invalid credentials"
	msgSuspended          = "account is not active"
	msgPasswordUnset      = "password login is not available for this account, use OTP"
	msgNotFound           = "account not found"
	msgInvalidCode        = "invalid code"
	msgExpiredCode        = "code has expired"
	msgInvalidToken       = "invalid token"
	msgTokenExpired       = "token expired"
	msgUnauthorized       = "unauthorized"
	msgForbidden          = "forbidden"
	msgConflict           = "an account with this email or phone already exists"
	msgStoreUnavailable   = "service temporarily unavailable"
	msgInternal           = "internal error"
)
