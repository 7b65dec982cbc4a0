package server

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/internal/autherrors"
)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// handleTokenRefresh mints a fresh access token from a refresh token. The
// refresh token stays valid and is returned unchanged; clients keep reusing
// it until it expires or is revoked.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var request refreshRequest
	if !readJSON(w, r, &request) {
		return
	}
	if request.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	pair, err := s.deps.Tokens.Refresh(r.Context(), request.RefreshToken)
	if err != nil {
		if errors.Is(err, autherrors.ErrInvalidToken) {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		s.log.Error().Err(err).Msg("token refresh failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type revokeRequest struct {
	Token string `json:"token"`
}

// handleTokenRevoke invalidates a token by digest. Unknown and
// already-revoked tokens succeed the same as live ones, so the endpoint
// leaks nothing about which tokens exist.
func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	var request revokeRequest
	if !readJSON(w, r, &request) {
		return
	}

	if err := s.deps.Tokens.Revoke(r.Context(), request.Token); err != nil {
		s.log.Error().Err(err).Msg("token revoke failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
