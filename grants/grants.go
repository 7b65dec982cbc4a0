// Package grants holds the permission model: the grant record shape, the
// wildcard matching rule, and the role/action table. Authorization is a pure
// allow-list union; there is no deny rule, so one permissive grant always
// wins over the absence of others.
package grants

import (
	"time"
)

// Wildcard matches every project, environment, or resource on a grant.
const Wildcard = "*"

// Role is the access level a grant confers within its scope.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Action is a permission-checked API operation.
type Action string

const (
	ActionRead              Action = "read"
	ActionDeploy            Action = "deploy"
	ActionScale             Action = "scale"
	ActionRestart           Action = "restart"
	ActionInvalidate        Action = "invalidate"
	ActionRDSControl        Action = "rds-control"
	ActionManagePermissions Action = "manage-permissions"
	ActionViewAudit         Action = "view-audit"
)

var roleActions = map[Role]map[Action]bool{
	RoleViewer: {
		ActionRead: true,
	},
	RoleOperator: {
		ActionRead:       true,
		ActionDeploy:     true,
		ActionScale:      true,
		ActionRestart:    true,
		ActionInvalidate: true,
	},
	RoleAdmin: {
		ActionRead:              true,
		ActionDeploy:            true,
		ActionScale:             true,
		ActionRestart:           true,
		ActionInvalidate:        true,
		ActionRDSControl:        true,
		ActionManagePermissions: true,
		ActionViewAudit:         true,
	},
}

// Allows reports whether the role permits the action.
func (r Role) Allows(action Action) bool {
	return roleActions[r][action]
}

// Valid reports whether r is one of the three defined roles.
func (r Role) Valid() bool {
	_, ok := roleActions[r]
	return ok
}

// Grant binds a subject to a role within a project/environment/resource
// scope. Grants are immutable once issued; updates replace the subject's
// whole grant list.
type Grant struct {
	Subject     string   `json:"subject"`
	Project     string   `json:"project"`
	Environment string   `json:"environment"`
	Role        Role     `json:"role"`
	Resources   []string `json:"resources,omitempty"`
	RequireMFA  bool     `json:"require_mfa,omitempty"`
	ExpiresAt   int64    `json:"expires_at,omitempty"` // epoch seconds, zero = no expiry
}

// Matches reports whether the grant's scope covers the requested tuple.
// Each dimension matches when the grant wildcards it or the values are equal.
func (g Grant) Matches(project, environment, resource string) bool {
	if g.Project != Wildcard && g.Project != project {
		return false
	}
	if g.Environment != Wildcard && g.Environment != environment {
		return false
	}
	return g.matchesResource(resource)
}

func (g Grant) matchesResource(resource string) bool {
	// An empty resource list behaves like {*}.
	if len(g.Resources) == 0 {
		return true
	}
	for _, r := range g.Resources {
		if r == Wildcard || r == resource {
			return true
		}
	}
	return false
}

// Expired reports whether the grant's optional expiry has passed.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != 0 && now.Unix() >= g.ExpiresAt
}

// Subject key shapes as stored in the grant store. SSO group identifiers are
// opaque strings; no name resolution happens here.
const (
	userSubjectPrefix    = "USER#"
	groupSubjectPrefix   = "GROUP#"
	serviceSubjectPrefix = "SERVICE#"

	// DefaultSubject holds grants applied to every resolved principal.
	DefaultSubject = "DEFAULT"
)

func UserSubject(email string) string  { return userSubjectPrefix + email }
func GroupSubject(id string) string    { return groupSubjectPrefix + id }
func ServiceSubject(arn string) string { return serviceSubjectPrefix + arn }

// GlobalAdmin builds the grant handed to the bootstrap principal: admin over
// every project, environment, and resource.
func GlobalAdmin(subject string) Grant {
	return Grant{
		Subject:     subject,
		Project:     Wildcard,
		Environment: Wildcard,
		Role:        RoleAdmin,
	}
}
