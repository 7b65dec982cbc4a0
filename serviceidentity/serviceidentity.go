// Package serviceidentity authenticates machine callers by their IAM role
// identity. It is a pure function of (arn, allowed accounts, stored binding)
// to an authorization context; there are no state transitions.
package serviceidentity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/internal/autherrors"
)

// Identity is a parsed machine caller.
type Identity struct {
	AccountID   string
	RoleName    string
	SessionName string // empty for bare role ARNs
}

var (
	assumedRolePattern = regexp.MustCompile(`^arn:aws:sts::(\d{12}):assumed-role/([^/]+)/([^/]+)$`)
	rolePattern        = regexp.MustCompile(`^arn:aws:iam::(\d{12}):role/([^/]+)$`)
)

// federatedRolePrefixes mark roles minted by identity-provider federation.
// Those are human users and belong to the SSO path, not here.
var federatedRolePrefixes = []string{"AWSReservedSSO_", "aws-reserved-sso_"}

// Parse accepts assumed-role session ARNs and bare role ARNs.
func Parse(arn string) (*Identity, error) {
	if m := assumedRolePattern.FindStringSubmatch(arn); m != nil {
		identity := &Identity{AccountID: m[1], RoleName: m[2], SessionName: m[3]}
		if identity.federated() {
			return nil, errors.Wrap(autherrors.ErrUnauthorized, "[serviceidentity.Parse] federated role")
		}
		return identity, nil
	}
	if m := rolePattern.FindStringSubmatch(arn); m != nil {
		identity := &Identity{AccountID: m[1], RoleName: m[2]}
		if identity.federated() {
			return nil, errors.Wrap(autherrors.ErrUnauthorized, "[serviceidentity.Parse] federated role")
		}
		return identity, nil
	}
	return nil, errors.Wrap(autherrors.ErrUnauthorized, "[serviceidentity.Parse] unrecognized arn shape")
}

func (i *Identity) federated() bool {
	for _, prefix := range federatedRolePrefixes {
		if strings.HasPrefix(i.RoleName, prefix) {
			return true
		}
	}
	return false
}

// RoleARN canonicalizes the identity to its parent role ARN: the key service
// bindings are stored under, regardless of which session assumed the role.
func (i *Identity) RoleARN() string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", i.AccountID, i.RoleName)
}
