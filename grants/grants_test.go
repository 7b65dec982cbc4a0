package grants_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsdeck/authcore/authz"
	"github.com/opsdeck/authcore/grants"
)

func TestGrantMatches(t *testing.T) {
	tests := []struct {
		name     string
		grant    grants.Grant
		project  string
		env      string
		resource string
		want     bool
	}{
		{
			name:    "full wildcard",
			grant:   grants.Grant{Project: "*", Environment: "*"},
			project: "payments", env: "prod", resource: "api",
			want: true,
		},
		{
			name:    "exact match",
			grant:   grants.Grant{Project: "payments", Environment: "prod", Resources: []string{"api"}},
			project: "payments", env: "prod", resource: "api",
			want: true,
		},
		{
			name:    "project mismatch",
			grant:   grants.Grant{Project: "payments", Environment: "*"},
			project: "billing", env: "prod", resource: "api",
			want: false,
		},
		{
			name:    "environment mismatch",
			grant:   grants.Grant{Project: "*", Environment: "staging"},
			project: "payments", env: "prod", resource: "api",
			want: false,
		},
		{
			name:    "resource mismatch",
			grant:   grants.Grant{Project: "*", Environment: "*", Resources: []string{"worker"}},
			project: "payments", env: "prod", resource: "api",
			want: false,
		},
		{
			name:    "resource wildcard entry",
			grant:   grants.Grant{Project: "*", Environment: "*", Resources: []string{"worker", "*"}},
			project: "payments", env: "prod", resource: "api",
			want: true,
		},
		{
			name:    "empty resource list matches all",
			grant:   grants.Grant{Project: "*", Environment: "*"},
			project: "payments", env: "prod", resource: "anything",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.grant.Matches(tt.project, tt.env, tt.resource))
		})
	}
}

func TestRoleAllows(t *testing.T) {
	require.True(t, grants.RoleViewer.Allows(grants.ActionRead))
	require.False(t, grants.RoleViewer.Allows(grants.ActionDeploy))

	for _, action := range []grants.Action{grants.ActionRead, grants.ActionDeploy, grants.ActionScale, grants.ActionRestart, grants.ActionInvalidate} {
		require.True(t, grants.RoleOperator.Allows(action), "operator should allow %s", action)
	}
	require.False(t, grants.RoleOperator.Allows(grants.ActionRDSControl))
	require.False(t, grants.RoleOperator.Allows(grants.ActionManagePermissions))

	for _, action := range []grants.Action{grants.ActionRead, grants.ActionDeploy, grants.ActionScale, grants.ActionRestart, grants.ActionInvalidate, grants.ActionRDSControl, grants.ActionManagePermissions, grants.ActionViewAudit} {
		require.True(t, grants.RoleAdmin.Allows(action), "admin should allow %s", action)
	}

	require.False(t, grants.Role("bogus").Allows(grants.ActionRead))
}

func TestGrantExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.False(t, grants.Grant{}.Expired(now))
	require.False(t, grants.Grant{ExpiresAt: now.Add(time.Minute).Unix()}.Expired(now))
	require.True(t, grants.Grant{ExpiresAt: now.Unix()}.Expired(now))
	require.True(t, grants.Grant{ExpiresAt: now.Add(-time.Minute).Unix()}.Expired(now))
}

// naiveCheck is the oracle: an independent linear scan over the grant set
// implementing the documented rule directly.
func naiveCheck(permissions []grants.Grant, mfaVerified bool, action grants.Action, project, env, resource string, now time.Time) bool {
	for _, g := range permissions {
		projectOK := g.Project == "*" || g.Project == project
		envOK := g.Environment == "*" || g.Environment == env
		resourceOK := len(g.Resources) == 0
		for _, r := range g.Resources {
			if r == "*" || r == resource {
				resourceOK = true
			}
		}
		mfaOK := !g.RequireMFA || mfaVerified
		unexpired := g.ExpiresAt == 0 || now.Unix() < g.ExpiresAt
		if projectOK && envOK && resourceOK && g.Role.Allows(action) && mfaOK && unexpired {
			return true
		}
	}
	return false
}

func TestCheckPermissionMatchesOracle(t *testing.T) {
	rng := rand.New(rand.NewSource(20260301))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	projects := []string{"payments", "billing", "search", "*"}
	environments := []string{"prod", "staging", "dev", "*"}
	resources := []string{"api", "worker", "cache", "*"}
	roles := []grants.Role{grants.RoleViewer, grants.RoleOperator, grants.RoleAdmin}
	actions := []grants.Action{
		grants.ActionRead, grants.ActionDeploy, grants.ActionScale, grants.ActionRestart,
		grants.ActionInvalidate, grants.ActionRDSControl, grants.ActionManagePermissions, grants.ActionViewAudit,
	}
	expiries := []int64{0, now.Add(-time.Hour).Unix(), now.Add(time.Hour).Unix()}

	pick := func(options []string) string { return options[rng.Intn(len(options))] }

	for i := 0; i < 2000; i++ {
		permissions := make([]grants.Grant, rng.Intn(6))
		for j := range permissions {
			var resourceList []string
			for k := rng.Intn(3); k > 0; k-- {
				resourceList = append(resourceList, pick(resources))
			}
			permissions[j] = grants.Grant{
				Project:     pick(projects),
				Environment: pick(environments),
				Role:        roles[rng.Intn(len(roles))],
				Resources:   resourceList,
				RequireMFA:  rng.Intn(2) == 0,
				ExpiresAt:   expiries[rng.Intn(len(expiries))],
			}
		}
		mfaVerified := rng.Intn(2) == 0
		authCtx := &authz.Context{Permissions: permissions, MFAVerified: mfaVerified}

		action := actions[rng.Intn(len(actions))]
		project := pick(projects[:3])
		env := pick(environments[:3])
		resource := pick(resources[:3])

		got := authCtx.CheckPermission(action, project, env, resource, now)
		want := naiveCheck(permissions, mfaVerified, action, project, env, resource, now)
		require.Equalf(t, want, got, "iteration %d: action=%s tuple=(%s,%s,%s) grants=%+v mfa=%v", i, action, project, env, resource, permissions, mfaVerified)
	}
}
