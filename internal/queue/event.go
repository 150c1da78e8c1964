// Package queue defines the auth event payloads exchanged over the message
// broker, plus the publisher and the audit consumer.
package queue

// AuthEventsExchange is the durable fanout exchange every auth event is
// published to.  Each reader (audit log, SMS delivery) binds its own queue,
// so every reader sees every event.
const AuthEventsExchange = "auth.events"

// AuditQueue is the queue the audit consumer binds to AuthEventsExchange.
const AuditQueue = "auth.audit"

// Event types.
const (
	EventIdentityRegistered = "identity.registered"
	EventOTPIssued          = "otp.issued"
	EventLoginSucceeded     = "login.succeeded"
	EventPasswordReset      = "password.reset"
	EventStatusChanged      = "identity.status_changed"
)

// OTP purposes carried by EventOTPIssued.
const (
	PurposeLogin = "login"
	PurposeReset = "reset"
)

// AuthEvent is published after a flow changes identity or credential state.
// Code is only set on otp.issued: the SMS delivery worker is the intended
// reader.  Consumers that persist events must drop it.
type AuthEvent struct {
	Type       string `json:"type"`
	IdentityID uint64 `json:"identity_id"`
	Phone      string `json:"phone,omitempty"`
	Role       string `json:"role,omitempty"`
	Purpose    string `json:"purpose,omitempty"`
	Method     string `json:"method,omitempty"`
	Status     string `json:"status,omitempty"`
	ActorID    uint64 `json:"actor_id,omitempty"`
	Code       string `json:"code,omitempty"`
	OccurredAt string `json:"occurred_at"`
}
