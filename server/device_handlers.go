package server

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/deviceflow"
	"github.com/opsdeck/authcore/internal/autherrors"
)

type deviceCodeRequest struct {
	ClientID string `json:"clientId"`
}

func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	var request deviceCodeRequest
	if !readJSON(w, r, &request) {
		return
	}
	if request.ClientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	grant, err := s.deps.Device.Create(r.Context(), request.ClientID, s.deps.Config.BaseURL)
	if err != nil {
		s.log.Error().Err(err).Msg("device code creation failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

type deviceVerifyRequest struct {
	UserCode string `json:"userCode"`
	Action   string `json:"action"` // "approve" or "deny"
}

type deviceVerifyResponse struct {
	Status string `json:"status"`
}

// handleDeviceVerify is the browser leg: the session-authenticated user
// approves or denies the code they typed in. Approval snapshots the user's
// effective permissions into the pending record.
func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	authCtx := authContextFrom(r)
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var request deviceVerifyRequest
	if !readJSON(w, r, &request) {
		return
	}
	if request.UserCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	principal := deviceflow.Principal{Email: authCtx.Email, Groups: authCtx.Groups}

	var (
		status string
		err    error
	)
	switch request.Action {
	case "approve", "":
		status = "approved"
		err = s.deps.Device.Authorize(r.Context(), request.UserCode, principal)
	case "deny":
		status = "denied"
		err = s.deps.Device.Deny(r.Context(), request.UserCode, principal)
	default:
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, deviceVerifyResponse{Status: status})
	case errors.Is(err, autherrors.ErrNotFound):
		// Unknown, expired, and already-decided codes look the same to the
		// browser.
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, autherrors.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		s.log.Error().Err(err).Msg("device verify failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

type deviceTokenRequest struct {
	DeviceCode string `json:"deviceCode"`
}

// handleDeviceToken is the CLI polling leg. Non-success outcomes use the
// OAuth device-flow error codes so standard clients can drive the poll loop.
func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var request deviceTokenRequest
	if !readJSON(w, r, &request) {
		return
	}
	if request.DeviceCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	pair, err := s.deps.Device.Exchange(r.Context(), request.DeviceCode)
	if err != nil {
		if code, ok := autherrors.DeviceFlowCode(err); ok {
			writeError(w, http.StatusBadRequest, code)
			return
		}
		s.log.Error().Err(err).Msg("device exchange failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
