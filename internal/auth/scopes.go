package auth

import "moldflow/backend/pkg/models"

const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeWorkflowRead  = "workflow:read"
	ScopeWorkflowWrite = "workflow:write"
)

// AllScopes defines the full set of scopes used by the Swagger UI / Frontend
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeWorkflowRead,
	ScopeWorkflowWrite,
}

// AllRoles lists the organizational roles an actor can hold.
var AllRoles = []models.Role{
	models.RoleDeveloper,
	models.RoleSystemAdmin,
	models.RoleMaker,
	models.RolePlant,
}

// ValidRole reports whether r is a known role.
func ValidRole(r models.Role) bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}
