package domain

import (
	"strings"
	"time"
)

// Role is the portal role a user acts under
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// DefaultRole is assigned whenever no trustworthy role is known
const DefaultRole = RolePatient

// Roles lists every valid role in URL order
var Roles = []Role{RolePatient, RoleDoctor, RoleAdmin}

// ParseRole returns the role named by s, case-insensitively
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Valid reports whether r is one of the three portal roles
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// SelfAssignable reports whether a user may request r at sign-up.
// Admins are provisioned out of band.
func (r Role) SelfAssignable() bool {
	return r == RolePatient || r == RoleDoctor
}

func (r Role) String() string {
	return string(r)
}

// SignUpMetadata is the user_metadata attached to an identity at sign-up
type SignUpMetadata struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	Role      string `json:"role,omitempty"`
}

// UserIdentity is the identity provider's view of a user
type UserIdentity struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	Metadata         SignUpMetadata `json:"user_metadata"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ProfileRecord is a row of the profiles table. FullName and Role are
// nullable in storage.
type ProfileRecord struct {
	ID        string    `json:"id"`
	FullName  *string   `json:"full_name"`
	Role      *string   `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthenticatedUser is a fully resolved identity. Role is always valid.
type AuthenticatedUser struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	FirstName       string    `json:"firstName"`
	LastName        string    `json:"lastName"`
	Role            Role      `json:"role"`
	IsEmailVerified bool      `json:"isEmailVerified"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DisplayName joins first and last name
func (u *AuthenticatedUser) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
