package deviceflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/opsdeck/authcore/audit"
	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/token"
)

const (
	defaultCodeTTL      = 10 * time.Minute
	defaultPollInterval = 5
)

// Principal is the browser-authenticated identity approving a device grant.
type Principal struct {
	Email  string
	Groups []string // SSO-origin group identifiers
}

// CodeGrant is the response to a CLI initiating the flow.
type CodeGrant struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURI string `json:"verificationUri"`
	ExpiresIn       int    `json:"expiresIn"`
	Interval        int    `json:"interval"`
}

// Coordinator drives the pending → {authorized, denied} → consumed state
// machine across the CLI, browser, and token-exchange parties.
type Coordinator struct {
	repo         Repo
	tokens       *token.Service
	resolver     *grants.Resolver
	audit        audit.Recorder
	codeTTL      time.Duration
	pollInterval int
	nowFunc      func() time.Time
	log          zerolog.Logger
}

type Option func(*Coordinator)

func WithCodeTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.codeTTL = ttl }
}

func WithPollInterval(seconds int) Option {
	return func(c *Coordinator) { c.pollInterval = seconds }
}

func WithNowFunc(now func() time.Time) Option {
	return func(c *Coordinator) { c.nowFunc = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func New(repo Repo, tokens *token.Service, resolver *grants.Resolver, recorder audit.Recorder, options ...Option) (*Coordinator, error) {
	if repo == nil {
		return nil, errors.New("[deviceflow.New] repo is required")
	}
	if tokens == nil {
		return nil, errors.New("[deviceflow.New] token service is required")
	}
	if resolver == nil {
		return nil, errors.New("[deviceflow.New] resolver is required")
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}

	c := &Coordinator{
		repo:         repo,
		tokens:       tokens,
		resolver:     resolver,
		audit:        recorder,
		codeTTL:      defaultCodeTTL,
		pollInterval: defaultPollInterval,
		nowFunc:      time.Now,
		log:          zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Create mints a device-code/user-code pair and persists the pending record.
func (c *Coordinator) Create(ctx context.Context, clientID, baseURL string) (*CodeGrant, error) {
	codeBytes := make([]byte, deviceCodeByteLength)
	if _, err := rand.Read(codeBytes); err != nil {
		return nil, errors.Wrap(err, "[Coordinator.Create] rand.Read")
	}
	deviceCode := base64.RawURLEncoding.EncodeToString(codeBytes)

	userCode, err := newUserCode()
	if err != nil {
		return nil, errors.Wrap(err, "[Coordinator.Create]")
	}

	record := &DeviceCode{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   clientID,
		Status:     StatusPending,
		ExpiresAt:  c.nowFunc().Add(c.codeTTL).Unix(),
		Interval:   c.pollInterval,
	}
	if err := c.repo.Put(ctx, record, c.codeTTL); err != nil {
		return nil, errors.Wrap(err, "[Coordinator.Create] persist")
	}

	return &CodeGrant{
		DeviceCode:      deviceCode,
		UserCode:        DisplayUserCode(userCode),
		VerificationURI: baseURL + "/device",
		ExpiresIn:       int(c.codeTTL.Seconds()),
		Interval:        c.pollInterval,
	}, nil
}

// Authorize is the browser-side approval. It resolves (or creates, applying
// the first-admin bootstrap) the approving user, snapshots their effective
// permissions as of this instant, and transitions the record to authorized.
// Grant changes after this point do not affect the in-flight device grant;
// the snapshot makes the approval explicit and auditable.
func (c *Coordinator) Authorize(ctx context.Context, userCode string, principal Principal) error {
	record, err := c.repo.GetByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		return errors.Wrap(autherrors.ErrNotFound, "[Coordinator.Authorize]")
	}
	if record.Expired(c.nowFunc()) || record.Status != StatusPending {
		// A second racing authorize observes the transition and fails
		// harmlessly; permissions are never double-snapshotted.
		return errors.Wrap(autherrors.ErrNotFound, "[Coordinator.Authorize] not pending")
	}

	user, effective, err := c.resolver.ResolveUser(ctx, principal.Email, principal.Groups)
	if err != nil {
		return errors.Wrap(err, "[Coordinator.Authorize] resolve user")
	}
	if user.Disabled {
		return errors.Wrap(autherrors.ErrForbidden, "[Coordinator.Authorize] user disabled")
	}

	record.Status = StatusAuthorized
	record.UserID = user.ID
	record.UserEmail = user.Email
	record.Permissions = effective

	remaining := time.Unix(record.ExpiresAt, 0).Sub(c.nowFunc())
	if err := c.repo.Put(ctx, record, remaining); err != nil {
		return errors.Wrap(err, "[Coordinator.Authorize] persist")
	}

	c.audit.Record(ctx, audit.Event{
		Actor:   principal.Email,
		Action:  "device-authorize",
		Target:  record.ClientID,
		Result:  audit.ResultSuccess,
		Details: "device grant approved, permissions snapshotted",
	})
	return nil
}

// Deny is the browser-side rejection of a pending code.
func (c *Coordinator) Deny(ctx context.Context, userCode string, principal Principal) error {
	record, err := c.repo.GetByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		return errors.Wrap(autherrors.ErrNotFound, "[Coordinator.Deny]")
	}
	if record.Expired(c.nowFunc()) || record.Status != StatusPending {
		return errors.Wrap(autherrors.ErrNotFound, "[Coordinator.Deny] not pending")
	}

	record.Status = StatusDenied
	remaining := time.Unix(record.ExpiresAt, 0).Sub(c.nowFunc())
	if err := c.repo.Put(ctx, record, remaining); err != nil {
		return errors.Wrap(err, "[Coordinator.Deny] persist")
	}

	c.audit.Record(ctx, audit.Event{
		Actor:  principal.Email,
		Action: "device-deny",
		Target: record.ClientID,
		Result: audit.ResultSuccess,
	})
	return nil
}

// Exchange is the CLI polling leg. Outcomes follow the OAuth device-flow
// convention: authorization_pending while the browser leg is outstanding,
// expired_token once the code ages out or has been consumed, access_denied
// after rejection, and a single token pair on success. The record is deleted
// on success; the conditional claim guarantees two racing polls yield at
// most one pair.
func (c *Coordinator) Exchange(ctx context.Context, deviceCode string) (*token.Pair, error) {
	record, err := c.repo.Get(ctx, deviceCode)
	if errors.Is(err, autherrors.ErrNotFound) {
		return nil, autherrors.ErrExpiredToken
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Coordinator.Exchange]")
	}

	if record.Expired(c.nowFunc()) {
		return nil, autherrors.ErrExpiredToken
	}

	switch record.Status {
	case StatusPending:
		return nil, autherrors.ErrAuthorizationPending
	case StatusDenied:
		return nil, autherrors.ErrAccessDenied
	case StatusAuthorized:
		// continue below
	default:
		return nil, autherrors.ErrExpiredToken
	}

	won, err := c.repo.ClaimExchange(ctx, deviceCode, c.codeTTL)
	if err != nil {
		return nil, errors.Wrap(err, "[Coordinator.Exchange] claim")
	}
	if !won {
		return nil, autherrors.ErrExpiredToken
	}

	pair, err := c.tokens.IssuePair(ctx, token.Claims{
		UserID:      record.UserID,
		Email:       record.UserEmail,
		Permissions: record.Permissions,
		Scope:       record.ClientID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Coordinator.Exchange] issue pair")
	}

	// Single use: the record goes away with the successful exchange. A
	// failed delete is tolerable because the claim key already blocks reuse.
	if err := c.repo.Delete(ctx, record); err != nil {
		c.log.Warn().Err(err).Msg("failed to delete consumed device code")
	}

	c.audit.Record(ctx, audit.Event{
		Actor:  record.UserEmail,
		Action: "device-exchange",
		Target: record.ClientID,
		Result: audit.ResultSuccess,
	})
	return pair, nil
}
