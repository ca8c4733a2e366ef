package rbac

import (
	"errors"
)

// Authorization errors
var (
	ErrForbidden          = errors.New("forbidden")
	ErrInsufficientRole   = errors.New("insufficient role")
	ErrMissingPermission  = errors.New("missing permission")
	ErrCompanyScope       = errors.New("resource belongs to another company")
	ErrRoleEscalation     = errors.New("cannot assign a role at or above your own")
	ErrSuperAdminGrant    = errors.New("only SUPER_ADMIN may grant SUPER_ADMIN")
	ErrInvalidTargetRole  = errors.New("invalid target role")
	ErrTargetOutranksUser = errors.New("target user outranks actor")
)

// Subject is the resolved identity a decision is made for
type Subject struct {
	UserID    string
	Email     string
	Role      Role
	CompanyID string
	// Grants holds explicit permissions on top of the role defaults
	Grants PermissionSet
}

// Requirement describes what a route demands of its caller
type Requirement struct {
	MinRole     Role
	Permissions []Permission
	// CompanyID is the tenant owning the target resource; empty skips the scope check
	CompanyID string
}

// Resolver makes RBAC decisions. It is stateless and safe for concurrent use.
type Resolver struct{}

// NewResolver creates a Resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// EffectivePermissions returns explicit grants ∪ the role's default set
func (r *Resolver) EffectivePermissions(s Subject) PermissionSet {
	return s.Grants.Union(RolePermissions(s.Role))
}

// RequireRole reports whether rank(s.Role) >= rank(min)
func (r *Resolver) RequireRole(s Subject, min Role) bool {
	return s.Role.AtLeast(min)
}

// RequireCompanyAccess reports whether s may touch a resource owned by
// resourceCompanyID. It never consults the resource itself.
func (r *Resolver) RequireCompanyAccess(s Subject, resourceCompanyID string) bool {
	if s.Role == RoleSuperAdmin {
		return true
	}
	return s.CompanyID != "" && s.CompanyID == resourceCompanyID
}

// Authorize checks req against s. Company scope is evaluated first so a
// cross-tenant request is rejected before role or permission checks.
func (r *Resolver) Authorize(s Subject, req Requirement) error {
	if req.CompanyID != "" && !r.RequireCompanyAccess(s, req.CompanyID) {
		return ErrCompanyScope
	}
	if req.MinRole != RoleNone && !r.RequireRole(s, req.MinRole) {
		return ErrInsufficientRole
	}
	if len(req.Permissions) > 0 {
		eff := r.EffectivePermissions(s)
		for _, p := range req.Permissions {
			if !eff.Has(p) {
				return ErrMissingPermission
			}
		}
	}
	return nil
}

// CanAssignRole enforces the role-escalation guard: actor may only assign
// roles strictly below its own rank, and only SUPER_ADMIN may grant SUPER_ADMIN.
func (r *Resolver) CanAssignRole(actor Subject, target Role) error {
	if !target.Valid() {
		return ErrInvalidTargetRole
	}
	if target == RoleSuperAdmin {
		if actor.Role != RoleSuperAdmin {
			return ErrSuperAdminGrant
		}
		return nil
	}
	if target.Rank() >= actor.Role.Rank() {
		return ErrRoleEscalation
	}
	return nil
}

// CanManageUser checks that actor may change target's account: same company
// (unless SUPER_ADMIN) and target's current role strictly below actor's.
func (r *Resolver) CanManageUser(actor Subject, target Subject) error {
	if !r.RequireCompanyAccess(actor, target.CompanyID) {
		return ErrCompanyScope
	}
	if actor.Role != RoleSuperAdmin && target.Role.Rank() >= actor.Role.Rank() {
		return ErrTargetOutranksUser
	}
	return nil
}

// IsForbidden reports whether err is one of the authorization failures
func IsForbidden(err error) bool {
	switch {
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInsufficientRole),
		errors.Is(err, ErrMissingPermission),
		errors.Is(err, ErrCompanyScope),
		errors.Is(err, ErrRoleEscalation),
		errors.Is(err, ErrSuperAdminGrant),
		errors.Is(err, ErrTargetOutranksUser):
		return true
	}
	return false
}
