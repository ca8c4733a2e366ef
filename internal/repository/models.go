package repository

import (
	"time"

	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
)

// User is a row of the users table
type User struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	PasswordHash string     `db:"password_hash"`
	Role         string     `db:"role"`
	CompanyID    string     `db:"company_id"`
	IsActive     bool       `db:"is_active"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	LastLoginAt  *time.Time `db:"last_login_at"`
}

// Identity is what the access layer needs to know about a user: the
// authoritative role, tenant, active flag and explicit permission grants
type Identity struct {
	UserID    string
	Email     string
	Role      rbac.Role
	CompanyID string
	IsActive  bool
	Grants    rbac.PermissionSet
}
