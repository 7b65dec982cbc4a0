package serviceidentity

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/opsdeck/authcore/authz"
	"github.com/opsdeck/authcore/internal/autherrors"
)

// Resolver authenticates machine callers: parse the ARN, check the account
// allow-list, normalize to the parent role ARN, and load the stored binding.
type Resolver struct {
	repo            Repo
	allowedAccounts map[string]struct{}
	log             zerolog.Logger
}

type Option func(*Resolver)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(repo Repo, allowedAccounts []string, options ...Option) (*Resolver, error) {
	if repo == nil {
		return nil, errors.New("[serviceidentity.NewResolver] repo is required")
	}

	accounts := make(map[string]struct{}, len(allowedAccounts))
	for _, account := range allowedAccounts {
		accounts[account] = struct{}{}
	}

	r := &Resolver{
		repo:            repo,
		allowedAccounts: accounts,
		log:             zerolog.Nop(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Resolve turns a verified caller ARN into an authorization context, or
// rejects with ErrUnauthorized. The permission set is the stored binding's
// grant list; machine identities never satisfy MFA gates.
func (r *Resolver) Resolve(ctx context.Context, arn string) (*authz.Context, error) {
	identity, err := Parse(arn)
	if err != nil {
		r.logReject(arn, "parse")
		return nil, autherrors.ErrUnauthorized
	}

	if _, ok := r.allowedAccounts[identity.AccountID]; !ok {
		r.logReject(arn, "account not allowed")
		return nil, autherrors.ErrUnauthorized
	}

	roleARN := identity.RoleARN()
	binding, err := r.repo.Get(ctx, roleARN)
	if err != nil {
		r.logReject(arn, "no binding")
		return nil, autherrors.ErrUnauthorized
	}
	if !binding.Enabled {
		r.logReject(arn, "binding disabled")
		return nil, autherrors.ErrUnauthorized
	}

	return &authz.Context{
		UserID:      roleARN,
		Email:       roleARN,
		Permissions: binding.Grants,
		Method:      authz.MethodSigV4Service,
	}, nil
}

func (r *Resolver) logReject(arn, reason string) {
	r.log.Debug().Str("arn", arn).Str("reason", reason).Msg("service identity rejected")
}
