// Package rbac resolves roles and explicit grants into effective
// permissions and makes the role, permission and company-scope decisions
// used at the request boundary.
package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRole is returned when a role name cannot be parsed
var ErrUnknownRole = errors.New("unknown role")

// Role is a totally ordered access level. Higher values outrank lower ones.
type Role uint8

// Roles in ascending rank. RoleNone is the zero value and outranks nothing.
const (
	RoleNone Role = iota
	RoleViewer
	RoleUser
	RoleManager
	RoleAdmin
	RoleSuperAdmin
)

var roleNames = map[Role]string{
	RoleViewer:     "VIEWER",
	RoleUser:       "USER",
	RoleManager:    "MANAGER",
	RoleAdmin:      "ADMIN",
	RoleSuperAdmin: "SUPER_ADMIN",
}

// AllRoles lists the assignable roles in ascending rank
func AllRoles() []Role {
	return []Role{RoleViewer, RoleUser, RoleManager, RoleAdmin, RoleSuperAdmin}
}

// ParseRole parses a role name case-insensitively
func ParseRole(s string) (Role, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for r, n := range roleNames {
		if n == name {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// String returns the wire name of the role
func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return "NONE"
}

// Valid reports whether r is an assignable role
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Rank returns the position of r in the role order
func (r Role) Rank() int {
	return int(r)
}

// AtLeast reports whether r ranks at or above min
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r.Rank() >= min.Rank()
}

// MarshalText encodes the role by name
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
