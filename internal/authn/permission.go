package authn

import "strings"

// DefaultRolePermissions is the static role to permission-set table. Roles not present here fall back to the
// "public" entry.
var DefaultRolePermissions = map[string][]string{
	"admin": {
		"read:all", "write:all", "delete:all",
		"manage:users", "manage:system", "subscribe:all",
	},
	"manager": {
		"read:all", "write:all", "delete:own", "manage:team", "subscribe:all",
	},
	"user": {
		"read:assigned", "write:assigned", "delete:own", "subscribe:assigned",
	},
	"public": {
		"read:public", "subscribe:public",
	},
}

// permissionsForRole derives a PermissionSet from the default role table, falling back to "public" for any role
// name not present.
func permissionsForRole(role string) PermissionSet {
	perms, ok := DefaultRolePermissions[role]
	if !ok {
		perms = DefaultRolePermissions["public"]
	}
	return NewPermissionSet(perms)
}

// Has reports whether set satisfies required, where required is shaped verb:scope[:resource-id]. A set satisfies a
// requirement if it contains the exact string, the wildcard-scope form "verb:all", the admin override "admin:all",
// or the universal wildcard "*:all".
func Has(set PermissionSet, required string) bool {
	if _, ok := set[required]; ok {
		return true
	}

	verb, _, ok := splitVerbScope(required)
	if !ok {
		return false
	}

	if _, ok := set[verb+":all"]; ok {
		return true
	}
	if _, ok := set["admin:all"]; ok {
		return true
	}
	if _, ok := set["*:all"]; ok {
		return true
	}
	return false
}

// splitVerbScope extracts the verb prefix of a permission string ("read:board:B42" -> "read").
func splitVerbScope(perm string) (verb, rest string, ok bool) {
	idx := strings.IndexByte(perm, ':')
	if idx < 0 {
		return "", "", false
	}
	return perm[:idx], perm[idx+1:], true
}
