package model

import (
	"strconv"
	"time"
)

// Role is the authorization level of an Identity.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// IsAdmin reports whether r grants access to the admin panel.
func (r Role) IsAdmin() bool { return r == RoleAdmin || r == RoleSuperAdmin }

// Status is the account state of an Identity.  Identities are never
// physically removed; StatusDeleted is a soft delete.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// Identity mirrors a row of the `identities` table.
//
// Fields:
//
//	ID            – primary key, never changes.
//	Phone         – unique phone number, the OTP binding key.
//	Email         – unique email, empty until the profile is completed.
//	PasswordHash  – bcrypt digest, empty for OTP-only identities.
//	OTPCode       – current one-time code, empty when none is pending.
//	OTPExpiresAt  – expiry of OTPCode.
//	LastLogin     – set by admin login.
type Identity struct {
	ID            uint64
	Phone         string
	Email         string
	FirstName     string
	LastName      string
	PreferredCity string
	PasswordHash  string
	Role          Role
	Status        Status
	OTPCode       string
	OTPExpiresAt  *time.Time
	LastLogin     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasPassword reports whether a password credential has been set.
func (i Identity) HasPassword() bool { return i.PasswordHash != "" }

// IsNewUser reports whether the identity has not completed its profile yet.
// An identity counts as new until an email is set.
func (i Identity) IsNewUser() bool { return i.Email == "" }

// Principal returns the authenticated view of the identity.
func (i Identity) Principal() Principal { return Principal{ID: i.ID, Role: i.Role} }

// Sanitized strips every credential field from the identity.
func (i Identity) Sanitized() PublicIdentity {
	return PublicIdentity{
		ID:            i.ID,
		Phone:         i.Phone,
		Email:         i.Email,
		FirstName:     i.FirstName,
		LastName:      i.LastName,
		PreferredCity: i.PreferredCity,
		Role:          i.Role,
		Status:        i.Status,
		IsAdmin:       i.Role.IsAdmin(),
		HasPassword:   i.HasPassword(),
		LastLogin:     i.LastLogin,
		CreatedAt:     i.CreatedAt,
	}
}

// PublicIdentity is the client-facing shape of an Identity.
type PublicIdentity struct {
	ID            uint64     `json:"id"`
	Phone         string     `json:"phone"`
	Email         string     `json:"email,omitempty"`
	FirstName     string     `json:"first_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	PreferredCity string     `json:"preferred_city,omitempty"`
	Role          Role       `json:"role"`
	Status        Status     `json:"status"`
	IsAdmin       bool       `json:"is_admin"`
	HasPassword   bool       `json:"has_password"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Principal is the identity decoded from a verified access token.  The role
// is the single source of truth; IsAdmin is derived from it.
type Principal struct {
	ID    uint64
	Role  Role
	JTI   string
	Until time.Time
}

// IsAdmin reports whether the principal holds an admin role.
func (p Principal) IsAdmin() bool { return p.Role.IsAdmin() }

// Subject returns the id in its JWT `sub` form.
func (p Principal) Subject() string { return strconv.FormatUint(p.ID, 10) }
