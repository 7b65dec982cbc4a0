package deviceflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsdeck/authcore/audit"
	"github.com/opsdeck/authcore/deviceflow"
	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/secrets"
	"github.com/opsdeck/authcore/store/memstore"
	"github.com/opsdeck/authcore/token"
	"github.com/opsdeck/authcore/users"
)

type fixture struct {
	coordinator *deviceflow.Coordinator
	tokens      *token.Service
	grantRepo   grants.Repo
	userRepo    users.Repo
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	nowFunc := func() time.Time { return f.now }

	kv := memstore.New()
	f.grantRepo = grants.NewKVRepo(kv)
	f.userRepo = users.NewKVRepo(kv)

	resolver, err := grants.NewResolver(f.grantRepo, f.userRepo, kv, audit.NopRecorder{}, grants.WithNowFunc(nowFunc))
	require.NoError(t, err)

	f.tokens, err = token.New(token.NewKVRepo(kv), secrets.PlainCodec{}, token.WithNowFunc(nowFunc))
	require.NoError(t, err)

	f.coordinator, err = deviceflow.New(deviceflow.NewKVRepo(kv), f.tokens, resolver, audit.NopRecorder{}, deviceflow.WithNowFunc(nowFunc))
	require.NoError(t, err)
	return f
}

// seedUser pre-creates a user record so a test exercises authorization
// without triggering the first-admin bootstrap for that principal.
func (f *fixture) seedUser(t *testing.T, email string) {
	t.Helper()
	require.NoError(t, f.userRepo.Upsert(context.Background(), users.New(email, f.now)))
}

func TestDeviceFlowEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedUser(t, "alice@example.com")
	require.NoError(t, f.grantRepo.PutForSubject(ctx, grants.UserSubject("alice@example.com"), []grants.Grant{
		{Subject: grants.UserSubject("alice@example.com"), Project: "*", Environment: "*", Role: grants.RoleOperator},
	}))

	grant, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)
	require.Len(t, grant.UserCode, 9) // ABCD-EFGH
	require.Equal(t, 5, grant.Interval)
	require.Equal(t, 600, grant.ExpiresIn)
	require.Equal(t, "https://dash.example.com/device", grant.VerificationURI)

	// Polling before approval keeps polling.
	_, err = f.coordinator.Exchange(ctx, grant.DeviceCode)
	require.ErrorIs(t, err, autherrors.ErrAuthorizationPending)

	require.NoError(t, f.coordinator.Authorize(ctx, grant.UserCode, deviceflow.Principal{Email: "alice@example.com"}))

	pair, err := f.coordinator.Exchange(ctx, grant.DeviceCode)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "cli-v1", pair.Scope)

	claims, err := f.tokens.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", claims.Email)
	require.Contains(t, claims.Permissions, grants.Grant{
		Subject: grants.UserSubject("alice@example.com"), Project: "*", Environment: "*", Role: grants.RoleOperator,
	})

	// Single use: the consumed code behaves like an expired one.
	_, err = f.coordinator.Exchange(ctx, grant.DeviceCode)
	require.ErrorIs(t, err, autherrors.ErrExpiredToken)
}

func TestAuthorizeRejectsNonPendingAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "alice@example.com")

	grant, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)
	alice := deviceflow.Principal{Email: "alice@example.com"}

	require.NoError(t, f.coordinator.Authorize(ctx, grant.UserCode, alice))

	// Second authorize observes the transition and fails; no
	// double-snapshot.
	require.Error(t, f.coordinator.Authorize(ctx, grant.UserCode, alice))

	expired, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)
	f.now = f.now.Add(11 * time.Minute)
	require.Error(t, f.coordinator.Authorize(ctx, expired.UserCode, alice))
}

func TestAuthorizeUnknownUserCode(t *testing.T) {
	f := newFixture(t)
	err := f.coordinator.Authorize(context.Background(), "ZZZZ-ZZZZ", deviceflow.Principal{Email: "alice@example.com"})
	require.ErrorIs(t, err, autherrors.ErrNotFound)
}

func TestAuthorizeNormalizesUserCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "alice@example.com")

	grant, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)

	// Lowercase with the dash dropped, as a human might type it.
	typed := deviceflow.NormalizeUserCode(grant.UserCode)
	require.NoError(t, f.coordinator.Authorize(ctx, " "+lower(typed)+" ", deviceflow.Principal{Email: "alice@example.com"}))
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func TestExchangeDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Deny(ctx, grant.UserCode, deviceflow.Principal{Email: "alice@example.com"}))

	_, err = f.coordinator.Exchange(ctx, grant.DeviceCode)
	require.ErrorIs(t, err, autherrors.ErrAccessDenied)
}

func TestExchangeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)
	_, err = f.coordinator.Exchange(ctx, grant.DeviceCode)
	require.ErrorIs(t, err, autherrors.ErrExpiredToken)
}

func TestExchangeUnknownCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.Exchange(context.Background(), "not-a-code")
	require.ErrorIs(t, err, autherrors.ErrExpiredToken)
}

func TestSnapshotFrozenAtAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedUser(t, "alice@example.com")
	subject := grants.UserSubject("alice@example.com")
	require.NoError(t, f.grantRepo.PutForSubject(ctx, subject, []grants.Grant{
		{Subject: subject, Project: "payments", Environment: "*", Role: grants.RoleOperator},
	}))

	grant, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Authorize(ctx, grant.UserCode, deviceflow.Principal{Email: "alice@example.com"}))

	// Grants revoked between approval and exchange do not retroactively
	// change the in-flight device grant.
	require.NoError(t, f.grantRepo.DeleteForSubject(ctx, subject))

	pair, err := f.coordinator.Exchange(ctx, grant.DeviceCode)
	require.NoError(t, err)
	claims, err := f.tokens.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Contains(t, claims.Permissions, grants.Grant{
		Subject: subject, Project: "payments", Environment: "*", Role: grants.RoleOperator,
	})
}

func TestFirstPrincipalBootstrapsAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	grant, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)

	// No pre-seeded user: approval creates the record and applies the
	// first-admin rule.
	require.NoError(t, f.coordinator.Authorize(ctx, grant.UserCode, deviceflow.Principal{Email: "first@example.com"}))

	pair, err := f.coordinator.Exchange(ctx, grant.DeviceCode)
	require.NoError(t, err)
	claims, err := f.tokens.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Contains(t, claims.Permissions, grants.GlobalAdmin(grants.UserSubject("first@example.com")))

	// Second first-time principal does not bootstrap.
	second, err := f.coordinator.Create(ctx, "cli-v1", "https://dash.example.com")
	require.NoError(t, err)
	require.NoError(t, f.coordinator.Authorize(ctx, second.UserCode, deviceflow.Principal{Email: "second@example.com"}))
	pair2, err := f.coordinator.Exchange(ctx, second.DeviceCode)
	require.NoError(t, err)
	claims2, err := f.tokens.Validate(ctx, pair2.AccessToken)
	require.NoError(t, err)
	require.NotContains(t, claims2.Permissions, grants.GlobalAdmin(grants.UserSubject("second@example.com")))
}
