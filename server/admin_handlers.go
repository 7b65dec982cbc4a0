package server

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/audit"
	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/serviceidentity"
)

type permissionsResponse struct {
	Subject string         `json:"subject"`
	Grants  []grants.Grant `json:"grants"`
}

// handlePermissionsGet returns the grants stored for a subject. Reading your
// own USER# subject is always allowed; everything else needs the
// manage-permissions action.
func (s *Server) handlePermissionsGet(w http.ResponseWriter, r *http.Request) {
	authCtx := authContextFrom(r)
	subject := r.PathValue("subject")

	if subject != grants.UserSubject(authCtx.Email) {
		if !s.requirePermission(w, r, authCtx, grants.ActionManagePermissions, grants.Wildcard, grants.Wildcard, grants.Wildcard) {
			return
		}
	}

	grantList, err := s.deps.Grants.GetForSubject(r.Context(), subject)
	if err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("grant lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if grantList == nil {
		grantList = []grants.Grant{}
	}
	writeJSON(w, http.StatusOK, permissionsResponse{Subject: subject, Grants: grantList})
}

type permissionsPutRequest struct {
	Grants []grants.Grant `json:"grants"`
}

// handlePermissionsPut replaces the subject's grant list wholesale. The
// stored Subject field on each grant is forced to the path subject so a
// request body cannot smuggle grants for someone else.
func (s *Server) handlePermissionsPut(w http.ResponseWriter, r *http.Request) {
	authCtx := authContextFrom(r)
	subject := r.PathValue("subject")

	if !s.requirePermission(w, r, authCtx, grants.ActionManagePermissions, grants.Wildcard, grants.Wildcard, grants.Wildcard) {
		return
	}

	var request permissionsPutRequest
	if !readJSON(w, r, &request) {
		return
	}
	for i := range request.Grants {
		if !request.Grants[i].Role.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		request.Grants[i].Subject = subject
	}

	if err := s.deps.Grants.PutForSubject(r.Context(), subject, request.Grants); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("grant write failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	s.deps.Audit.Record(r.Context(), audit.Event{
		Actor:   authCtx.Email,
		Method:  string(authCtx.Method),
		Action:  string(grants.ActionManagePermissions),
		Target:  subject,
		Result:  audit.ResultSuccess,
		Details: "grants replaced",
	})
	writeJSON(w, http.StatusOK, permissionsResponse{Subject: subject, Grants: request.Grants})
}

func (s *Server) handlePermissionsDelete(w http.ResponseWriter, r *http.Request) {
	authCtx := authContextFrom(r)
	subject := r.PathValue("subject")

	if !s.requirePermission(w, r, authCtx, grants.ActionManagePermissions, grants.Wildcard, grants.Wildcard, grants.Wildcard) {
		return
	}

	if err := s.deps.Grants.DeleteForSubject(r.Context(), subject); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("grant delete failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	s.deps.Audit.Record(r.Context(), audit.Event{
		Actor:   authCtx.Email,
		Method:  string(authCtx.Method),
		Action:  string(grants.ActionManagePermissions),
		Target:  subject,
		Result:  audit.ResultSuccess,
		Details: "grants deleted",
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleServiceGet looks up the binding for a role by account and role name.
func (s *Server) handleServiceGet(w http.ResponseWriter, r *http.Request) {
	authCtx := authContextFrom(r)
	if !s.requirePermission(w, r, authCtx, grants.ActionManagePermissions, grants.Wildcard, grants.Wildcard, grants.Wildcard) {
		return
	}

	accountID := r.PathValue("accountId")
	roleName := r.PathValue("roleName")
	roleARN := "arn:aws:iam::" + accountID + ":role/" + roleName

	binding, err := s.deps.ServiceRepo.Get(r.Context(), roleARN)
	if errors.Is(err, autherrors.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("role_arn", roleARN).Msg("binding lookup failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

// handleServicePut creates or replaces a service binding. The role ARN must
// be a plain IAM role ARN; assumed-role session ARNs belong in requests,
// not in stored bindings.
func (s *Server) handleServicePut(w http.ResponseWriter, r *http.Request) {
	authCtx := authContextFrom(r)
	if !s.requirePermission(w, r, authCtx, grants.ActionManagePermissions, grants.Wildcard, grants.Wildcard, grants.Wildcard) {
		return
	}

	var binding serviceidentity.Binding
	if !readJSON(w, r, &binding) {
		return
	}
	if binding.RoleARN == "" || !strings.HasPrefix(binding.RoleARN, "arn:aws:iam::") {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	for _, g := range binding.Grants {
		if !g.Role.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
	}

	if err := s.deps.ServiceRepo.Put(r.Context(), &binding); err != nil {
		s.log.Error().Err(err).Str("role_arn", binding.RoleARN).Msg("binding write failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	s.deps.Audit.Record(r.Context(), audit.Event{
		Actor:   authCtx.Email,
		Method:  string(authCtx.Method),
		Action:  string(grants.ActionManagePermissions),
		Target:  binding.RoleARN,
		Result:  audit.ResultSuccess,
		Details: "service binding replaced",
	})
	writeJSON(w, http.StatusOK, binding)
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{Status: "ok"}
	if s.deps.StorePing != nil {
		if err := s.deps.StorePing(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("store ping failed")
			response.Status = "degraded"
			response.Store = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
		response.Store = "ok"
	}
	writeJSON(w, http.StatusOK, response)
}
