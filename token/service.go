// Package token issues, validates, refreshes, and revokes the opaque bearer
// tokens minted by the device flow. Tokens are stored by digest only, with
// claims either plaintext or envelope-encrypted depending on the codec
// chosen at startup.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/secrets"
)

const (
	tokenByteLength = 48 // 384 bits of entropy

	purposeToken     = "token"
	bindingPrefixLen = 12

	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
)

// Claims is the payload carried by a stored token: the principal and a
// permission snapshot taken when the token was minted.
type Claims struct {
	UserID      string         `json:"user_id,omitempty"`
	Email       string         `json:"email"`
	Groups      []string       `json:"groups,omitempty"`
	Permissions []grants.Grant `json:"permissions"`
	Scope       string         `json:"scope,omitempty"`
	MFAVerified bool           `json:"mfa_verified,omitempty"`
}

// Pair is the wire shape returned to a client after issuance or refresh.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Service is the token lifecycle manager.
type Service struct {
	repo       Repo
	codec      secrets.Codec
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowFunc    func() time.Time
	log        zerolog.Logger
}

type Option func(*Service)

func WithTTLs(accessTTL, refreshTTL time.Duration) Option {
	return func(s *Service) {
		s.accessTTL = accessTTL
		s.refreshTTL = refreshTTL
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func New(repo Repo, codec secrets.Codec, options ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("[token.New] repo is required")
	}
	if codec == nil {
		return nil, errors.New("[token.New] codec is required")
	}

	s := &Service{
		repo:       repo,
		codec:      codec,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		nowFunc:    time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Digest is the storage key for a raw token: hex-encoded SHA-256.
func Digest(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

func binding(digest string) secrets.Binding {
	prefix := digest
	if len(prefix) > bindingPrefixLen {
		prefix = prefix[:bindingPrefixLen]
	}
	return secrets.Binding{Purpose: purposeToken, KeyPrefix: prefix}
}

// IssuePair mints an access/refresh token pair carrying the claims. The
// refresh row references the access digest so a later refresh can retire the
// superseded access token.
func (s *Service) IssuePair(ctx context.Context, claims Claims) (*Pair, error) {
	accessToken, accessDigest, err := s.issue(ctx, TypeAccess, claims, s.accessTTL, "")
	if err != nil {
		return nil, errors.Wrap(err, "[Service.IssuePair] access")
	}
	refreshToken, _, err := s.issue(ctx, TypeRefresh, claims, s.refreshTTL, accessDigest)
	if err != nil {
		return nil, errors.Wrap(err, "[Service.IssuePair] refresh")
	}
	return &Pair{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        claims.Scope,
	}, nil
}

func (s *Service) issue(ctx context.Context, tokenType string, claims Claims, ttl time.Duration, accessDigest string) (string, string, error) {
	tokenBytes := make([]byte, tokenByteLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", errors.Wrap(err, "rand.Read")
	}
	rawToken := base64.RawURLEncoding.EncodeToString(tokenBytes)
	digest := Digest(rawToken)

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", errors.Wrap(err, "marshal claims")
	}
	sealed, err := s.codec.Seal(ctx, payload, binding(digest))
	if err != nil {
		return "", "", errors.Wrap(err, "seal claims")
	}

	row := &Row{
		TokenType:    tokenType,
		ExpiresAt:    s.nowFunc().Add(ttl).Unix(),
		Payload:      sealed,
		AccessDigest: accessDigest,
	}
	if err := s.repo.Put(ctx, digest, row, ttl); err != nil {
		return "", "", errors.Wrap(err, "store row")
	}
	return rawToken, digest, nil
}

// Validate resolves a presented bearer token to its claims. Every failure
// path collapses to ErrInvalidToken: expired, absent, wrong type, and
// decryption failure are indistinguishable to the caller.
func (s *Service) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	claims, _, err := s.open(ctx, rawToken, TypeAccess)
	return claims, err
}

func (s *Service) open(ctx context.Context, rawToken, wantType string) (*Claims, *Row, error) {
	if rawToken == "" {
		return nil, nil, autherrors.ErrInvalidToken
	}
	digest := Digest(rawToken)
	row, err := s.repo.Get(ctx, digest)
	if err != nil {
		s.logInvalid(err, "lookup")
		return nil, nil, autherrors.ErrInvalidToken
	}
	if row.TokenType != wantType {
		s.logInvalid(nil, "type mismatch")
		return nil, nil, autherrors.ErrInvalidToken
	}
	if s.nowFunc().Unix() >= row.ExpiresAt {
		s.logInvalid(nil, "expired")
		return nil, nil, autherrors.ErrInvalidToken
	}
	payload, err := s.codec.Open(ctx, row.Payload, binding(digest))
	if err != nil {
		s.logInvalid(err, "open payload")
		return nil, nil, autherrors.ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		s.logInvalid(err, "unmarshal claims")
		return nil, nil, autherrors.ErrInvalidToken
	}
	return &claims, row, nil
}

// Refresh mints a new access token from a refresh token. The refresh token
// itself is reused (rotated by reference, not by value); the superseded
// access token is invalidated best-effort and otherwise ages out on its own
// short TTL.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	claims, row, err := s.open(ctx, refreshToken, TypeRefresh)
	if err != nil {
		return nil, err
	}

	accessToken, accessDigest, err := s.issue(ctx, TypeAccess, *claims, s.accessTTL, "")
	if err != nil {
		return nil, errors.Wrap(err, "[Service.Refresh] mint access")
	}

	supersededDigest := row.AccessDigest
	refreshDigest := Digest(refreshToken)
	remaining := time.Unix(row.ExpiresAt, 0).Sub(s.nowFunc())
	row.AccessDigest = accessDigest
	if err := s.repo.Put(ctx, refreshDigest, row, remaining); err != nil {
		return nil, errors.Wrap(err, "[Service.Refresh] update refresh row")
	}

	if supersededDigest != "" {
		if err := s.repo.Delete(ctx, supersededDigest); err != nil {
			s.log.Warn().Err(err).Msg("failed to invalidate superseded access token")
		}
	}

	return &Pair{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        claims.Scope,
	}, nil
}

// Revoke deletes the token's row by digest. Revoking an unknown token is a
// no-op: already-revoked is success. Revoking a refresh token also retires
// its paired access token, best-effort.
func (s *Service) Revoke(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return nil
	}
	digest := Digest(rawToken)
	row, err := s.repo.Get(ctx, digest)
	if errors.Is(err, autherrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "[Service.Revoke]")
	}
	if row.TokenType == TypeRefresh && row.AccessDigest != "" {
		if err := s.repo.Delete(ctx, row.AccessDigest); err != nil {
			s.log.Warn().Err(err).Msg("failed to revoke paired access token")
		}
	}
	return errors.Wrap(s.repo.Delete(ctx, digest), "[Service.Revoke] delete")
}

func (s *Service) logInvalid(err error, reason string) {
	// Internal detail stays in the logs; callers only ever see "invalid".
	event := s.log.Debug().Str("reason", reason)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("token rejected")
}
