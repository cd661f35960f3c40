// Package auth manages principals, role-based permissions and the session
// store backing both the HTTP control plane and the websocket transport.
package auth

import (
	"context"
)

// Role names a closed set of access levels.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
	RoleSystem  Role = "system"
)

// Permission names a single grantable capability.
type Permission string

const (
	PermSourcesRead   Permission = "sources:read"
	PermSourcesWrite  Permission = "sources:write"
	PermSourcesDelete Permission = "sources:delete"
	PermConfigRead    Permission = "config:read"
	PermConfigWrite   Permission = "config:write"
	PermAuditRead     Permission = "audit:read"
	PermUsersManage   Permission = "users:manage"
	PermWSConnect     Permission = "websocket:connect"
	PermHealthRead    Permission = "health:read"
	PermRateAdmin     Permission = "ratelimit:admin"
)

// rolePermissions is the closed static role table.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermSourcesRead, PermSourcesWrite, PermSourcesDelete,
		PermConfigRead, PermConfigWrite, PermAuditRead, PermUsersManage,
		PermWSConnect, PermHealthRead, PermRateAdmin,
	},
	RoleAnalyst: {
		PermSourcesRead, PermSourcesWrite,
		PermConfigRead, PermAuditRead,
		PermWSConnect, PermHealthRead,
	},
	RoleViewer: {
		PermSourcesRead, PermConfigRead, PermWSConnect, PermHealthRead,
	},
	RoleSystem: {
		PermSourcesRead, PermSourcesWrite, PermConfigRead,
		PermWSConnect, PermHealthRead,
	},
}

// PermissionsFor returns the capability set derived from a role.
func PermissionsFor(role Role) []Permission {
	perms := rolePermissions[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Principal is the authenticated identity attached to a session.
type Principal struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Can reports whether the principal holds perm.
func (p Principal) Can(perm Permission) bool {
	return HasPermission(p.Role, perm)
}

type contextKey string

const principalKey contextKey = "auth_principal"

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the principal, reporting whether one was attached.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
