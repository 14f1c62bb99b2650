package auth

import "errors"

// Role is the authorisation tier carried in admin tokens.
type Role string

const (
	// RoleViewer can read entities, sessions and the audit trail.
	RoleViewer Role = "viewer"

	// RoleAdmin can additionally mutate entities, edges and assignments and
	// close sessions.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles accepted in tokens.
var ValidRoles = []Role{RoleViewer, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// CanMutate reports whether the role may change state through the API.
func (r Role) CanMutate() bool {
	return r == RoleAdmin
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrForbidden          = errors.New("insufficient permissions")
)
