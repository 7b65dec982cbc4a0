// Package authz carries the per-request authorization context and the
// permission check every protected endpoint runs against it.
package authz

import (
	"time"

	"github.com/opsdeck/authcore/grants"
)

// Method records which credential shape authenticated the request.
type Method string

const (
	MethodCookie       Method = "cookie"
	MethodBearer       Method = "bearer"
	MethodSigV4User    Method = "sigv4-user"
	MethodSigV4Service Method = "sigv4-service"
)

// Context is the resolved identity for one request. It is built fresh per
// request and never persisted.
type Context struct {
	UserID      string
	Email       string
	Groups      []string // SSO-origin group identifiers
	Permissions []grants.Grant
	SessionID   string
	MFAVerified bool
	Method      Method
}

// CheckPermission reports whether any grant in the context matches the
// requested tuple, allows the action for its role, satisfies the MFA gate,
// and is unexpired. Pure allow-list union: there is no deny, so one
// matching permissive grant decides the outcome.
func (c *Context) CheckPermission(action grants.Action, project, environment, resource string, now time.Time) bool {
	if c == nil {
		return false
	}
	for _, g := range c.Permissions {
		if !g.Matches(project, environment, resource) {
			continue
		}
		if !g.Role.Allows(action) {
			continue
		}
		if g.RequireMFA && !c.MFAVerified {
			continue
		}
		if g.Expired(now) {
			continue
		}
		return true
	}
	return false
}

// MFABlocked reports whether the only thing standing between the context and
// the tuple is an unmet MFA requirement. Lets the HTTP layer return the
// mfa_required code instead of a plain forbidden.
func (c *Context) MFABlocked(action grants.Action, project, environment, resource string, now time.Time) bool {
	if c == nil || c.MFAVerified {
		return false
	}
	if c.CheckPermission(action, project, environment, resource, now) {
		return false
	}
	for _, g := range c.Permissions {
		if g.RequireMFA && g.Matches(project, environment, resource) && g.Role.Allows(action) && !g.Expired(now) {
			return true
		}
	}
	return false
}
