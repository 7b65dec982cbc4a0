package server

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/opsdeck/authcore/audit"
)

const stateCookieName = "sso_state"

// handleSSOLogin starts the browser login: mint a state nonce, stash it in a
// short-lived cookie, and send the user to the identity provider.
func (s *Server) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	stateBytes := make([]byte, 24)
	if _, err := rand.Read(stateBytes); err != nil {
		s.log.Error().Err(err).Msg("failed to mint login state")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.deps.SSO.AuthURL(state), http.StatusFound)
}

// handleSSOCallback completes the login: validate state, exchange the code,
// resolve or create the local user, and issue the session cookie. The first
// user ever seen becomes the bootstrap admin inside ResolveUser.
func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	clearCookie(w, stateCookieName, "/auth", s.secureCookies())

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	identity, err := s.deps.SSO.Exchange(r.Context(), code)
	if err != nil {
		s.log.Warn().Err(err).Msg("sso code exchange failed")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, _, err := s.deps.Resolver.ResolveUser(r.Context(), identity.Email, identity.Groups)
	if err != nil {
		s.log.Error().Err(err).Msg("sso user resolution failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if user.Disabled {
		s.deps.Audit.Record(r.Context(), audit.Event{
			Actor:   identity.Email,
			Action:  "sso-login",
			Result:  audit.ResultDenied,
			Details: "user disabled",
		})
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	user.LastLogin = s.nowFunc()
	if err := s.deps.Users.Upsert(r.Context(), user); err != nil {
		s.log.Warn().Err(err).Msg("failed to record last login")
	}

	sessionID, err := s.deps.Sessions.Issue(r.Context(), user, identity.Groups, false)
	if err != nil {
		s.log.Error().Err(err).Msg("session issuance failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.deps.Config.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(s.deps.Config.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})

	s.deps.Audit.Record(r.Context(), audit.Event{
		Actor:  identity.Email,
		Action: "sso-login",
		Result: audit.ResultSuccess,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout revokes the current session, if any, and clears the cookie.
// Always succeeds: logging out while already logged out is fine.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(s.deps.Config.SessionCookieName); err == nil {
		if err := s.deps.Sessions.Revoke(r.Context(), cookie.Value); err != nil {
			s.log.Warn().Err(err).Msg("session revoke failed on logout")
		}
	}
	clearCookie(w, s.deps.Config.SessionCookieName, "/", s.secureCookies())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) secureCookies() bool {
	return strings.HasPrefix(s.deps.Config.BaseURL, "https://")
}

func clearCookie(w http.ResponseWriter, name, path string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
