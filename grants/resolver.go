package grants

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/opsdeck/authcore/audit"
	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/store"
	"github.com/opsdeck/authcore/users"
)

// bootstrapMarkerKey is the conditional-write guard for the first-admin
// bootstrap. A plain existence check would be a TOCTOU race between two
// first principals resolving concurrently; PutIfAbsent lets the store
// arbitrate so at most one bootstrap grant is written.
const bootstrapMarkerKey = "grant:bootstrap-admin"

// Resolver computes the effective permission set for a principal and owns
// the single place policy is mutated as a byproduct of authentication: the
// first-admin bootstrap.
type Resolver struct {
	grants  Repo
	users   users.Repo
	kv      store.KV
	audit   audit.Recorder
	nowFunc func() time.Time
	log     zerolog.Logger
}

type ResolverOption func(*Resolver)

func WithNowFunc(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.nowFunc = now }
}

func WithLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

func NewResolver(grantRepo Repo, userRepo users.Repo, kv store.KV, recorder audit.Recorder, options ...ResolverOption) (*Resolver, error) {
	if grantRepo == nil {
		return nil, errors.New("[NewResolver] grant repo is required")
	}
	if userRepo == nil {
		return nil, errors.New("[NewResolver] user repo is required")
	}
	if kv == nil {
		return nil, errors.New("[NewResolver] kv store is required")
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}

	r := &Resolver{
		grants:  grantRepo,
		users:   userRepo,
		kv:      kv,
		audit:   recorder,
		nowFunc: time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Resolve returns the effective grants for a principal: direct grants keyed
// by USER#email, grants for each local and SSO group, and the DEFAULT
// grants. The lists are concatenated without deduplication; matching is a
// union, so duplicates are harmless.
func (r *Resolver) Resolve(ctx context.Context, email string, localGroups, ssoGroups []string) ([]Grant, error) {
	subjects := make([]string, 0, 2+len(localGroups)+len(ssoGroups))
	subjects = append(subjects, UserSubject(email))
	for _, g := range localGroups {
		subjects = append(subjects, GroupSubject(g))
	}
	for _, g := range ssoGroups {
		subjects = append(subjects, GroupSubject(g))
	}
	subjects = append(subjects, DefaultSubject)

	var effective []Grant
	for _, subject := range subjects {
		grantList, err := r.grants.GetForSubject(ctx, subject)
		if err != nil {
			return nil, errors.Wrapf(err, "[Resolver.Resolve] subject %q", subject)
		}
		effective = append(effective, grantList...)
	}
	return effective, nil
}

// ResolveUser fetches or creates the local user record for email and returns
// it with the principal's effective grants. Creating the record applies the
// first-admin bootstrap.
func (r *Resolver) ResolveUser(ctx context.Context, email string, ssoGroups []string) (*users.User, []Grant, error) {
	user, err := r.users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, autherrors.ErrNotFound):
		user = users.New(email, r.nowFunc())
		if err := r.users.Upsert(ctx, user); err != nil {
			return nil, nil, errors.Wrap(err, "[Resolver.ResolveUser] create user")
		}
		if _, err := r.EnsureFirstAdmin(ctx, email); err != nil {
			return nil, nil, errors.Wrap(err, "[Resolver.ResolveUser] bootstrap")
		}
	case err != nil:
		return nil, nil, errors.Wrap(err, "[Resolver.ResolveUser]")
	}

	effective, err := r.Resolve(ctx, email, user.Groups, ssoGroups)
	if err != nil {
		return nil, nil, err
	}
	return user, effective, nil
}

// EnsureFirstAdmin grants global admin to the candidate iff no principal has
// ever been bootstrapped. The marker write is conditional, so two first
// users racing here produce exactly one bootstrap grant. Reports whether the
// candidate won the bootstrap.
func (r *Resolver) EnsureFirstAdmin(ctx context.Context, email string) (bool, error) {
	won, err := r.kv.PutIfAbsent(ctx, bootstrapMarkerKey, []byte(email), 0)
	if err != nil {
		return false, errors.Wrap(err, "[Resolver.EnsureFirstAdmin] marker")
	}
	if !won {
		return false, nil
	}

	subject := UserSubject(email)
	existing, err := r.grants.GetForSubject(ctx, subject)
	if err != nil {
		return false, errors.Wrap(err, "[Resolver.EnsureFirstAdmin]")
	}
	if err := r.grants.PutForSubject(ctx, subject, append(existing, GlobalAdmin(subject))); err != nil {
		return false, errors.Wrap(err, "[Resolver.EnsureFirstAdmin] write grant")
	}

	r.log.Warn().Str("email", email).Msg("bootstrapped first admin")
	r.audit.Record(ctx, audit.Event{
		Actor:   email,
		Action:  "bootstrap-admin",
		Target:  subject,
		Result:  audit.ResultSuccess,
		Details: "first principal granted global admin",
	})
	return true, nil
}
