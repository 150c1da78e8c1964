// Package repository defines the persistence layer of the auth service and
// the sentinel errors shared by every store implementation.  Higher layers
// match on these values with errors.Is and never see driver errors.
package repository

import "errors"

// ErrNotFound is returned when no identity matches the lookup.
var ErrNotFound = errors.New("identity not found")

// ErrConflict is returned when a unique phone or email already exists.
var ErrConflict = errors.New("identity already exists")

// ErrOTPMismatch is returned by ConsumeOTP when the stored code no longer
// matches the expected one, for example because it was consumed by a
// concurrent request or overwritten by a newer code.
var ErrOTPMismatch = errors.New("otp mismatch")

// ErrStoreUnavailable wraps connection-level failures of the backing store,
// and operations a capability-bounded store does not support.
var ErrStoreUnavailable = errors.New("credential store unavailable")
