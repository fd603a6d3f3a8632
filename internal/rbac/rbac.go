// Package rbac implements authentication and role-based authorization for
// the gateway: API key verification, password login, JWT session tokens,
// and the role/permission table.
package rbac

import (
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

// Permission names one gateway capability.
type Permission string

const (
	PermUseAPI          Permission = "use_api"
	PermViewUsage       Permission = "view_usage"
	PermManageKeys      Permission = "manage_keys"
	PermManageResources Permission = "manage_resources"
	PermManageUsers     Permission = "manage_users"
	PermViewSecurity    Permission = "view_security"
	PermManageRouting   Permission = "manage_routing"
)

// rolePermissions is the closed role -> permission table. There is no
// inheritance; a permission is granted iff it appears here.
var rolePermissions = map[models.Role]map[Permission]bool{
	models.RoleAdmin: {
		PermUseAPI:          true,
		PermViewUsage:       true,
		PermManageKeys:      true,
		PermManageResources: true,
		PermManageUsers:     true,
		PermViewSecurity:    true,
		PermManageRouting:   true,
	},
	models.RoleResourceManager: {
		PermUseAPI:          true,
		PermViewUsage:       true,
		PermManageKeys:      true,
		PermManageResources: true,
		PermManageUsers:     true,
	},
	models.RoleReporter: {
		PermUseAPI:       true,
		PermViewUsage:    true,
		PermViewSecurity: true,
	},
	models.RoleUser: {
		PermUseAPI:     true,
		PermViewUsage:  true,
		PermManageKeys: true,
	},
}

// UserContext is the authenticated principal attached to a request. It is
// built once during authentication and carried through the pipeline.
type UserContext struct {
	UserID         string      `json:"user_id"`
	Username       string      `json:"username"`
	Role           models.Role `json:"role"`
	OrganizationID string      `json:"organization_id"`
	ManagedOrgs    []string    `json:"managed_orgs,omitempty"`

	// APIKeyID is set when the request authenticated with an API key
	// rather than a session token.
	APIKeyID string `json:"api_key_id,omitempty"`
}

// HasPermission reports whether the role grants the permission, ignoring
// organization scope.
func (uc *UserContext) HasPermission(p Permission) bool {
	return rolePermissions[uc.Role][p]
}

// InScope reports whether orgID is within the principal's organization
// scope. Admins see every organization; resource managers and reporters see
// their own plus their managed list; plain users see only their own.
func (uc *UserContext) InScope(orgID string) bool {
	switch uc.Role {
	case models.RoleAdmin:
		return true
	case models.RoleResourceManager, models.RoleReporter:
		if orgID == uc.OrganizationID {
			return true
		}
		for _, o := range uc.ManagedOrgs {
			if o == orgID {
				return true
			}
		}
		return false
	default:
		return orgID == uc.OrganizationID
	}
}

// CheckPermission verifies both the permission grant and the organization
// scope, returning an authorization_denied error on failure.
func CheckPermission(uc *UserContext, p Permission, orgID string) error {
	if uc == nil {
		return errdefs.New(errdefs.AuthenticationFailed, "no authenticated principal")
	}
	if !uc.HasPermission(p) {
		return errdefs.Newf(errdefs.AuthorizationDenied, "role %s lacks %s", uc.Role, p)
	}
	if orgID != "" && !uc.InScope(orgID) {
		return errdefs.New(errdefs.AuthorizationDenied, "organization out of scope")
	}
	return nil
}
