package auth

import "strings"

// Role is a closed vocabulary of role names held by an account.
type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	RoleOrgAdmin   Role = "org_admin"
	RoleStoreAdmin Role = "store_admin"
	RoleManager    Role = "manager"
	RoleSupervisor Role = "supervisor"
	RoleEmployee   Role = "employee"
	RoleCustomer   Role = "customer"
)

var knownRoles = map[Role]struct{}{
	RoleOwner: {}, RoleAdmin: {}, RoleSuperAdmin: {}, RoleOrgAdmin: {}, RoleStoreAdmin: {},
	RoleManager: {}, RoleSupervisor: {}, RoleEmployee: {}, RoleCustomer: {},
}

// ParseRole normalizes a stored role name. Unknown names are rejected so a
// typo in the role table can never grant privilege.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := knownRoles[r]
	return r, ok
}

// IsHighPrivilege reports whether the role bypasses explicit store memberships.
func IsHighPrivilege(r Role) bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// AnyHighPrivilege reports whether any role in the set is high privilege.
func AnyHighPrivilege(roles []Role) bool {
	for _, r := range roles {
		if IsHighPrivilege(r) {
			return true
		}
	}
	return false
}

var environmentRoles = map[Environment][]Role{
	EnvironmentOrgAdmin:   {RoleOrgAdmin, RoleOwner, RoleSuperAdmin},
	EnvironmentStoreAdmin: {RoleStoreAdmin, RoleOwner, RoleManager, RoleAdmin, RoleSuperAdmin},
}

// RolesFor lists the roles that may enter an environment.
func RolesFor(env Environment) []Role {
	roles := environmentRoles[env]
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

// CanEnter reports whether the role set is sufficient for the environment.
func CanEnter(env Environment, roles []Role) bool {
	for _, allowed := range environmentRoles[env] {
		for _, r := range roles {
			if r == allowed {
				return true
			}
		}
	}
	return false
}
