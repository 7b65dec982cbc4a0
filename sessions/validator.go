package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/opsdeck/authcore/authz"
	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/secrets"
	"github.com/opsdeck/authcore/users"
)

const (
	sessionIDByteLength = 32

	purposeSession   = "web_session"
	bindingPrefixLen = 12

	defaultSessionTTL = 12 * time.Hour
)

// Validator issues and validates browser sessions.
type Validator struct {
	repo     Repo
	codec    secrets.Codec
	resolver *grants.Resolver
	users    users.Repo
	ttl      time.Duration
	nowFunc  func() time.Time
	log      zerolog.Logger
}

type Option func(*Validator)

func WithTTL(ttl time.Duration) Option {
	return func(v *Validator) { v.ttl = ttl }
}

func WithNowFunc(now func() time.Time) Option {
	return func(v *Validator) { v.nowFunc = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(v *Validator) { v.log = log }
}

func NewValidator(repo Repo, codec secrets.Codec, resolver *grants.Resolver, userRepo users.Repo, options ...Option) (*Validator, error) {
	if repo == nil {
		return nil, errors.New("[sessions.NewValidator] repo is required")
	}
	if codec == nil {
		return nil, errors.New("[sessions.NewValidator] codec is required")
	}
	if resolver == nil {
		return nil, errors.New("[sessions.NewValidator] resolver is required")
	}
	if userRepo == nil {
		return nil, errors.New("[sessions.NewValidator] user repo is required")
	}

	v := &Validator{
		repo:     repo,
		codec:    codec,
		resolver: resolver,
		users:    userRepo,
		ttl:      defaultSessionTTL,
		nowFunc:  time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(v)
	}
	return v, nil
}

func binding(hash string) secrets.Binding {
	prefix := hash
	if len(prefix) > bindingPrefixLen {
		prefix = prefix[:bindingPrefixLen]
	}
	return secrets.Binding{Purpose: purposeSession, KeyPrefix: prefix}
}

// Issue creates a session record for an SSO-verified user and returns the
// opaque session id destined for the cookie.
func (v *Validator) Issue(ctx context.Context, user *users.User, ssoGroups []string, mfaVerified bool) (string, error) {
	idBytes := make([]byte, sessionIDByteLength)
	if _, err := rand.Read(idBytes); err != nil {
		return "", errors.Wrap(err, "[Validator.Issue] rand.Read")
	}
	sessionID := base64.RawURLEncoding.EncodeToString(idBytes)
	hash := Hash(sessionID)

	now := v.nowFunc()
	session := Session{
		UserID:      user.ID,
		Email:       user.Email,
		SSOGroups:   ssoGroups,
		MFAVerified: mfaVerified,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(v.ttl).Unix(),
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return "", errors.Wrap(err, "[Validator.Issue] marshal")
	}
	sealed, err := v.codec.Seal(ctx, payload, binding(hash))
	if err != nil {
		return "", errors.Wrap(err, "[Validator.Issue] seal")
	}

	row := &Row{ExpiresAt: session.ExpiresAt, Payload: sealed}
	if err := v.repo.Put(ctx, hash, row, v.ttl); err != nil {
		return "", errors.Wrap(err, "[Validator.Issue] persist")
	}
	return sessionID, nil
}

// Validate resolves a raw session id to an authorization context, rebuilding
// the permission set live: cookie sessions are not snapshotted, so group or
// grant changes take effect on the next request. Every failure collapses to
// ErrUnauthorized.
func (v *Validator) Validate(ctx context.Context, sessionID string) (*authz.Context, error) {
	if sessionID == "" {
		return nil, autherrors.ErrUnauthorized
	}
	hash := Hash(sessionID)
	row, err := v.repo.Get(ctx, hash)
	if err != nil {
		v.logInvalid(err, "lookup")
		return nil, autherrors.ErrUnauthorized
	}

	payload, err := v.codec.Open(ctx, row.Payload, binding(hash))
	if err != nil {
		v.logInvalid(err, "open payload")
		return nil, autherrors.ErrUnauthorized
	}
	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		v.logInvalid(err, "unmarshal")
		return nil, autherrors.ErrUnauthorized
	}
	if session.Expired(v.nowFunc()) {
		v.logInvalid(nil, "expired")
		return nil, autherrors.ErrUnauthorized
	}

	user, err := v.users.GetByEmail(ctx, session.Email)
	if err != nil {
		v.logInvalid(err, "user lookup")
		return nil, autherrors.ErrUnauthorized
	}
	if user.Disabled {
		v.logInvalid(nil, "user disabled")
		return nil, autherrors.ErrUnauthorized
	}

	effective, err := v.resolver.Resolve(ctx, user.Email, user.Groups, session.SSOGroups)
	if err != nil {
		v.logInvalid(err, "resolve permissions")
		return nil, autherrors.ErrUnauthorized
	}

	return &authz.Context{
		UserID:      user.ID,
		Email:       user.Email,
		Groups:      session.SSOGroups,
		Permissions: effective,
		SessionID:   hash,
		MFAVerified: session.MFAVerified,
		Method:      authz.MethodCookie,
	}, nil
}

// Revoke deletes the session record. Unknown sessions are a no-op.
func (v *Validator) Revoke(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return errors.Wrap(v.repo.Delete(ctx, Hash(sessionID)), "[Validator.Revoke]")
}

func (v *Validator) logInvalid(err error, reason string) {
	event := v.log.Debug().Str("reason", reason)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("session rejected")
}
