package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsdeck/authcore/audit"
	"github.com/opsdeck/authcore/deviceflow"
	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/config"
	"github.com/opsdeck/authcore/secrets"
	"github.com/opsdeck/authcore/server"
	"github.com/opsdeck/authcore/serviceidentity"
	"github.com/opsdeck/authcore/sessions"
	"github.com/opsdeck/authcore/store/memstore"
	"github.com/opsdeck/authcore/token"
	"github.com/opsdeck/authcore/users"
)

type harness struct {
	srv      *server.Server
	cfg      *config.Config
	sessions *sessions.Validator
	resolver *grants.Resolver
	grants   grants.Repo
	users    users.Repo
	services serviceidentity.Repo
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	nowFunc := func() time.Time { return h.now }

	h.cfg = &config.Config{
		Port:               "8080",
		BaseURL:            "http://localhost:8080",
		Env:                "TEST",
		SessionCookieName:  "dashboard_session",
		SessionTTL:         12 * time.Hour,
		AccessTokenTTL:     time.Hour,
		RefreshTokenTTL:    720 * time.Hour,
		DeviceCodeTTL:      10 * time.Minute,
		DevicePollInterval: 5,
		AllowedAWSAccounts: []string{"111111111111"},
	}

	kv := memstore.New()
	h.grants = grants.NewKVRepo(kv)
	h.users = users.NewKVRepo(kv)
	h.services = serviceidentity.NewKVRepo(kv)
	codec := secrets.PlainCodec{}

	var err error
	h.resolver, err = grants.NewResolver(h.grants, h.users, kv, audit.NopRecorder{}, grants.WithNowFunc(nowFunc))
	require.NoError(t, err)

	tokens, err := token.New(token.NewKVRepo(kv), codec, token.WithNowFunc(nowFunc))
	require.NoError(t, err)

	device, err := deviceflow.New(deviceflow.NewKVRepo(kv), tokens, h.resolver, audit.NopRecorder{}, deviceflow.WithNowFunc(nowFunc))
	require.NoError(t, err)

	h.sessions, err = sessions.NewValidator(sessions.NewKVRepo(kv), codec, h.resolver, h.users, sessions.WithNowFunc(nowFunc))
	require.NoError(t, err)

	services, err := serviceidentity.NewResolver(h.services, h.cfg.AllowedAWSAccounts)
	require.NoError(t, err)

	h.srv, err = server.New(server.Deps{
		Config:      h.cfg,
		Tokens:      tokens,
		Device:      device,
		Sessions:    h.sessions,
		Services:    services,
		Resolver:    h.resolver,
		Grants:      h.grants,
		Users:       h.users,
		ServiceRepo: h.services,
		Audit:       audit.NopRecorder{},
	}, server.WithNowFunc(nowFunc))
	require.NoError(t, err)
	return h
}

// login creates or resolves the user and returns a session cookie for them.
// The first caller in a fresh harness becomes the bootstrap admin.
func (h *harness) login(t *testing.T, email string, ssoGroups ...string) *http.Cookie {
	t.Helper()
	ctx := context.Background()
	user, _, err := h.resolver.ResolveUser(ctx, email, ssoGroups)
	require.NoError(t, err)
	sessionID, err := h.sessions.Issue(ctx, user, ssoGroups, false)
	require.NoError(t, err)
	return &http.Cookie{Name: h.cfg.SessionCookieName, Value: sessionID}
}

func (h *harness) do(t *testing.T, method, path string, body any, decorate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, d := range decorate {
		d(req)
	}
	recorder := httptest.NewRecorder()
	h.srv.ServeHTTP(recorder, req)
	return recorder
}

func withCookie(cookie *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(cookie) }
}

func withBearer(rawToken string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+rawToken) }
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &out))
	return out
}

func TestDeviceFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t, "alice@example.com")

	// CLI initiates.
	rec := h.do(t, http.MethodPost, "/device/code", map[string]string{"clientId": "dashboard-cli"})
	require.Equal(t, http.StatusOK, rec.Code)
	grant := decode[deviceflow.CodeGrant](t, rec)
	require.NotEmpty(t, grant.DeviceCode)
	require.NotEmpty(t, grant.UserCode)
	require.Equal(t, "http://localhost:8080/device", grant.VerificationURI)

	// Polling before approval reports pending.
	rec = h.do(t, http.MethodPost, "/device/token", map[string]string{"deviceCode": grant.DeviceCode})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "authorization_pending", decode[map[string]string](t, rec)["error"])

	// Browser approves with the displayed (dashed) user code.
	rec = h.do(t, http.MethodPost, "/device/verify",
		map[string]string{"userCode": grant.UserCode, "action": "approve"}, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)

	// Poll again: token pair this time.
	rec = h.do(t, http.MethodPost, "/device/token", map[string]string{"deviceCode": grant.DeviceCode})
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decode[token.Pair](t, rec)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)

	// The device code is single use.
	rec = h.do(t, http.MethodPost, "/device/token", map[string]string{"deviceCode": grant.DeviceCode})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "expired_token", decode[map[string]string](t, rec)["error"])

	// The minted token authenticates API calls. alice is the first user, so
	// the bootstrap made her a global admin.
	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("alice@example.com")),
		nil, withBearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceVerifyRequiresSession(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/device/verify", map[string]string{"userCode": "BCDF-GHJK"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A bearer token is not a session: device approval stays browser-only.
	rec = h.do(t, http.MethodPost, "/device/verify",
		map[string]string{"userCode": "BCDF-GHJK"},
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer whatever") })
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceVerifyUnknownCode(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t, "alice@example.com")

	rec := h.do(t, http.MethodPost, "/device/verify",
		map[string]string{"userCode": "BCDF-GHJK", "action": "approve"}, withCookie(cookie))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceDenyOverHTTP(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t, "alice@example.com")

	rec := h.do(t, http.MethodPost, "/device/code", map[string]string{"clientId": "dashboard-cli"})
	grant := decode[deviceflow.CodeGrant](t, rec)

	rec = h.do(t, http.MethodPost, "/device/verify",
		map[string]string{"userCode": grant.UserCode, "action": "deny"}, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/device/token", map[string]string{"deviceCode": grant.DeviceCode})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "access_denied", decode[map[string]string](t, rec)["error"])
}

func TestRefreshAndRevokeOverHTTP(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t, "alice@example.com")
	pair := h.mintPair(t, cookie)

	rec := h.do(t, http.MethodPost, "/token/refresh", map[string]string{"refreshToken": pair.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	refreshed := decode[token.Pair](t, rec)
	require.NotEqual(t, pair.AccessToken, refreshed.AccessToken)
	require.Equal(t, pair.RefreshToken, refreshed.RefreshToken, "refresh token is reused, not rotated")

	// The superseded access token no longer works.
	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("alice@example.com")),
		nil, withBearer(pair.AccessToken))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Revoke the refresh token; it cascades to the paired access token.
	rec = h.do(t, http.MethodPost, "/token/revoke", map[string]string{"token": refreshed.RefreshToken})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/token/refresh", map[string]string{"refreshToken": refreshed.RefreshToken})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_grant", decode[map[string]string](t, rec)["error"])

	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("alice@example.com")),
		nil, withBearer(refreshed.AccessToken))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Revoking again is a no-op success.
	rec = h.do(t, http.MethodPost, "/token/revoke", map[string]string{"token": refreshed.RefreshToken})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

// mintPair runs the device flow to get a real token pair for the cookie's
// user.
func (h *harness) mintPair(t *testing.T, cookie *http.Cookie) token.Pair {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/device/code", map[string]string{"clientId": "dashboard-cli"})
	require.Equal(t, http.StatusOK, rec.Code)
	grant := decode[deviceflow.CodeGrant](t, rec)

	rec = h.do(t, http.MethodPost, "/device/verify",
		map[string]string{"userCode": grant.UserCode, "action": "approve"}, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/device/token", map[string]string{"deviceCode": grant.DeviceCode})
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[token.Pair](t, rec)
}

func TestPermissionsAdministration(t *testing.T) {
	h := newHarness(t)
	adminCookie := h.login(t, "admin@example.com") // first user, bootstrap admin
	viewerCookie := h.login(t, "viewer@example.com")

	subject := grants.UserSubject("viewer@example.com")
	body := map[string]any{"grants": []grants.Grant{{
		Project:     "payments",
		Environment: "prod",
		Role:        grants.RoleViewer,
	}}}

	// A non-admin cannot write grants, even their own.
	rec := h.do(t, http.MethodPut, "/api/permissions/"+url.PathEscape(subject), body, withCookie(viewerCookie))
	require.Equal(t, http.StatusForbidden, rec.Code)

	// The admin can.
	rec = h.do(t, http.MethodPut, "/api/permissions/"+url.PathEscape(subject), body, withCookie(adminCookie))
	require.Equal(t, http.StatusOK, rec.Code)

	// Everyone may read their own subject.
	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(subject), nil, withCookie(viewerCookie))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Subject string         `json:"subject"`
		Grants  []grants.Grant `json:"grants"`
	}](t, rec)
	require.Len(t, got.Grants, 1)
	require.Equal(t, subject, got.Grants[0].Subject, "stored subject follows the path, not the body")

	// But not someone else's.
	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("admin@example.com")),
		nil, withCookie(viewerCookie))
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Delete removes the subject's grants.
	rec = h.do(t, http.MethodDelete, "/api/permissions/"+url.PathEscape(subject), nil, withCookie(adminCookie))
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(subject), nil, withCookie(viewerCookie))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[struct {
		Grants []grants.Grant `json:"grants"`
	}](t, rec).Grants)
}

func TestRejectsInvalidRole(t *testing.T) {
	h := newHarness(t)
	adminCookie := h.login(t, "admin@example.com")

	subject := grants.UserSubject("someone@example.com")
	rec := h.do(t, http.MethodPut, "/api/permissions/"+url.PathEscape(subject),
		map[string]any{"grants": []map[string]string{{"role": "superuser"}}}, withCookie(adminCookie))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceBindingLifecycle(t *testing.T) {
	h := newHarness(t)
	adminCookie := h.login(t, "admin@example.com")

	binding := serviceidentity.Binding{
		RoleARN: "arn:aws:iam::111111111111:role/CI-Role",
		Enabled: true,
		Grants: []grants.Grant{{
			Project:     "payments",
			Environment: "staging",
			Role:        grants.RoleOperator,
		}},
	}
	rec := h.do(t, http.MethodPut, "/api/services", binding, withCookie(adminCookie))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/services/111111111111/CI-Role", nil, withCookie(adminCookie))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[serviceidentity.Binding](t, rec).Enabled)

	// The bound role can now authenticate with its session ARN.
	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("admin@example.com")),
		nil, func(r *http.Request) {
			r.Header.Set("X-Caller-Arn", "arn:aws:sts::111111111111:assumed-role/CI-Role/build-42")
		})
	// Operator lacks manage-permissions, so the gate holds but auth passed.
	require.Equal(t, http.StatusForbidden, rec.Code)

	// An unknown role from an allowed account is still rejected.
	rec = h.do(t, http.MethodGet, "/api/permissions/x", nil, func(r *http.Request) {
		r.Header.Set("X-Caller-Arn", "arn:aws:sts::111111111111:assumed-role/Other-Role/build-42")
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServicePutRejectsSessionARN(t *testing.T) {
	h := newHarness(t)
	adminCookie := h.login(t, "admin@example.com")

	rec := h.do(t, http.MethodPut, "/api/services", serviceidentity.Binding{
		RoleARN: "arn:aws:sts::111111111111:assumed-role/CI-Role/build-42",
		Enabled: true,
	}, withCookie(adminCookie))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPermissionHeaderDisabledByDefault(t *testing.T) {
	h := newHarness(t)

	header := func(r *http.Request) {
		payload, err := json.Marshal([]grants.Grant{{
			Project:     grants.Wildcard,
			Environment: grants.Wildcard,
			Role:        grants.RoleAdmin,
		}})
		require.NoError(t, err)
		r.Header.Set("X-Auth-Permissions", base64.StdEncoding.EncodeToString(payload))
	}

	rec := h.do(t, http.MethodGet, "/api/permissions/x", nil, header)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	h.cfg.TrustPermissionHeader = true
	rec = h.do(t, http.MethodGet, "/api/permissions/x", nil, header)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t, "alice@example.com")

	rec := h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("alice@example.com")),
		nil, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/logout", nil, withCookie(cookie))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("alice@example.com")),
		nil, withCookie(cookie))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDisabledUserSessionRejected(t *testing.T) {
	h := newHarness(t)
	cookie := h.login(t, "alice@example.com")
	ctx := context.Background()

	user, err := h.users.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	user.Disabled = true
	require.NoError(t, h.users.Upsert(ctx, user))

	rec := h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("alice@example.com")),
		nil, withCookie(cookie))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCookieSessionSeesLiveGrantChanges(t *testing.T) {
	h := newHarness(t)
	h.login(t, "admin@example.com") // consume the bootstrap
	cookie := h.login(t, "bob@example.com")
	ctx := context.Background()

	subject := grants.UserSubject("admin@example.com")
	rec := h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(subject), nil, withCookie(cookie))
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Grant bob admin out of band; the existing cookie picks it up on the
	// next request without re-login.
	require.NoError(t, h.grants.PutForSubject(ctx, grants.UserSubject("bob@example.com"),
		[]grants.Grant{grants.GlobalAdmin(grants.UserSubject("bob@example.com"))}))

	rec = h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(subject), nil, withCookie(cookie))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestMFARequiredCode(t *testing.T) {
	h := newHarness(t)
	h.login(t, "admin@example.com")
	cookie := h.login(t, "carol@example.com")
	ctx := context.Background()

	g := grants.GlobalAdmin(grants.UserSubject("carol@example.com"))
	g.RequireMFA = true
	require.NoError(t, h.grants.PutForSubject(ctx, grants.UserSubject("carol@example.com"), []grants.Grant{g}))

	// carol's session was issued without an MFA assertion, so the only grant
	// that would allow the action is blocked and the response says why.
	rec := h.do(t, http.MethodGet, "/api/permissions/"+url.PathEscape(grants.UserSubject("admin@example.com")),
		nil, withCookie(cookie))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "mfa_required", decode[map[string]string](t, rec)["error"])
}

