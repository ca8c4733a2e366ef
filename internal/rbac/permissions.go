package rbac

import (
	"math/bits"
	"sort"
	"strings"
)

// Family groups the permissions that act on one kind of resource
type Family uint8

// Resource families
const (
	FamilyAssets Family = iota
	FamilyWorkOrders
	FamilyCompanies
	FamilyUsers
	FamilyReports
	FamilySecurity
	familyCount
)

// Action is an operation on a resource family
type Action uint8

// Actions
const (
	ActionRead Action = iota
	ActionCreate
	ActionUpdate
	ActionDelete
	actionCount
)

var familyNames = [familyCount]string{"assets", "work_orders", "companies", "users", "reports", "security"}
var actionNames = [actionCount]string{"read", "create", "update", "delete"}

// Permission is a single capability, one bit of a PermissionSet
type Permission uint64

// NewPermission builds the permission for action on family
func NewPermission(f Family, a Action) Permission {
	return Permission(1) << (uint(f)*uint(actionCount) + uint(a))
}

// Named permissions used by the HTTP layer
var (
	PermAssetsRead     = NewPermission(FamilyAssets, ActionRead)
	PermAssetsCreate   = NewPermission(FamilyAssets, ActionCreate)
	PermAssetsUpdate   = NewPermission(FamilyAssets, ActionUpdate)
	PermAssetsDelete   = NewPermission(FamilyAssets, ActionDelete)
	PermWorkOrdersRead = NewPermission(FamilyWorkOrders, ActionRead)
	PermUsersRead      = NewPermission(FamilyUsers, ActionRead)
	PermUsersUpdate    = NewPermission(FamilyUsers, ActionUpdate)
	PermSecurityRead   = NewPermission(FamilySecurity, ActionRead)
)

// String returns the "family:action" name of a single permission
func (p Permission) String() string {
	if bits.OnesCount64(uint64(p)) != 1 {
		return PermissionSet(p).String()
	}
	idx := bits.TrailingZeros64(uint64(p))
	f, a := idx/int(actionCount), idx%int(actionCount)
	if f >= int(familyCount) {
		return "unknown"
	}
	return familyNames[f] + ":" + actionNames[a]
}

// PermissionSet is a typed capability set. Wildcards expand to concrete bits
// when parsed.
type PermissionSet uint64

// FamilyAll returns every action of family f
func FamilyAll(f Family) PermissionSet {
	var s PermissionSet
	for a := Action(0); a < actionCount; a++ {
		s |= PermissionSet(NewPermission(f, a))
	}
	return s
}

// AllPermissions is the global sentinel: every action on every family
var AllPermissions = func() PermissionSet {
	var s PermissionSet
	for f := Family(0); f < familyCount; f++ {
		s |= FamilyAll(f)
	}
	return s
}()

// Set builds a PermissionSet from individual permissions
func Set(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s |= PermissionSet(p)
	}
	return s
}

// Has reports whether every bit of p is in s
func (s PermissionSet) Has(p Permission) bool {
	return p != 0 && uint64(s)&uint64(p) == uint64(p)
}

// Union returns s ∪ o
func (s PermissionSet) Union(o PermissionSet) PermissionSet {
	return s | o
}

// Len counts the permissions in s
func (s PermissionSet) Len() int {
	return bits.OnesCount64(uint64(s & AllPermissions))
}

// Strings lists the permissions of s, collapsing complete families to "family:*"
// and the complete set to "*"
func (s PermissionSet) Strings() []string {
	s &= AllPermissions
	if s == AllPermissions {
		return []string{"*"}
	}
	var out []string
	for f := Family(0); f < familyCount; f++ {
		all := FamilyAll(f)
		if s&all == all {
			out = append(out, familyNames[f]+":*")
			continue
		}
		for a := Action(0); a < actionCount; a++ {
			if p := NewPermission(f, a); s.Has(p) {
				out = append(out, p.String())
			}
		}
	}
	sort.Strings(out)
	return out
}

// String joins Strings with commas
func (s PermissionSet) String() string {
	return strings.Join(s.Strings(), ",")
}

// ParsePermission parses "family:action", "family:*", or the global "*" / "all"
func ParsePermission(name string) (PermissionSet, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "*" || name == "all" {
		return AllPermissions, true
	}
	family, action, ok := strings.Cut(name, ":")
	if !ok {
		return 0, false
	}
	fi := -1
	for i, n := range familyNames {
		if n == family {
			fi = i
		}
	}
	if fi < 0 {
		return 0, false
	}
	if action == "*" || action == "all" {
		return FamilyAll(Family(fi)), true
	}
	for ai, n := range actionNames {
		if n == action {
			return PermissionSet(NewPermission(Family(fi), Action(ai))), true
		}
	}
	return 0, false
}

// ParsePermissions parses a list of permission names. Unrecognised names are
// returned separately and contribute nothing to the set.
func ParsePermissions(names []string) (PermissionSet, []string) {
	var set PermissionSet
	var unknown []string
	for _, n := range names {
		p, ok := ParsePermission(n)
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		set |= p
	}
	return set, unknown
}

// roleGrants lists what each role adds on top of the roles below it
var roleGrants = map[Role]PermissionSet{
	RoleViewer: Set(PermAssetsRead, PermWorkOrdersRead, NewPermission(FamilyReports, ActionRead)),
	RoleUser: Set(
		PermAssetsUpdate,
		NewPermission(FamilyWorkOrders, ActionCreate),
		NewPermission(FamilyWorkOrders, ActionUpdate),
	),
	RoleManager: Set(
		PermAssetsCreate,
		PermAssetsDelete,
		NewPermission(FamilyWorkOrders, ActionDelete),
		NewPermission(FamilyReports, ActionCreate),
		PermUsersRead,
	),
	RoleAdmin: FamilyAll(FamilyUsers).Union(Set(
		NewPermission(FamilyCompanies, ActionRead),
		NewPermission(FamilyCompanies, ActionUpdate),
		PermSecurityRead,
	)),
	RoleSuperAdmin: AllPermissions,
}

// rolePermissions is the closure of roleGrants over the role order: every
// role holds its own grants plus those of every lower role.
var rolePermissions = buildClosure(roleGrants)

func buildClosure(grants map[Role]PermissionSet) map[Role]PermissionSet {
	closure := make(map[Role]PermissionSet, len(grants))
	var acc PermissionSet
	for _, r := range AllRoles() {
		acc |= grants[r]
		closure[r] = acc
	}
	return closure
}

// RolePermissions returns the default permission set of role
func RolePermissions(role Role) PermissionSet {
	return rolePermissions[role]
}
