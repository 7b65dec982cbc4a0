// Package server is the HTTP surface of the authorization core: the device
// flow and token endpoints, the SSO front door, the grant administration
// API, and the auth gate middleware every protected route sits behind.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/opsdeck/authcore/audit"
	"github.com/opsdeck/authcore/deviceflow"
	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/config"
	"github.com/opsdeck/authcore/serviceidentity"
	"github.com/opsdeck/authcore/sessions"
	"github.com/opsdeck/authcore/sso"
	"github.com/opsdeck/authcore/token"
	"github.com/opsdeck/authcore/users"
)

// Deps bundles everything the HTTP layer needs. Built once at process start
// and passed in; no package-level state.
type Deps struct {
	Config   *config.Config
	Tokens   *token.Service
	Device   *deviceflow.Coordinator
	Sessions *sessions.Validator
	Services *serviceidentity.Resolver
	Resolver *grants.Resolver

	Grants      grants.Repo
	Users       users.Repo
	ServiceRepo serviceidentity.Repo
	Audit       audit.Recorder

	// SSO is optional; the browser login routes are only mounted when set.
	SSO *sso.Provider

	// StorePing backs the health endpoint when the store supports it.
	StorePing func(ctx context.Context) error
}

type Server struct {
	mux     *http.ServeMux
	deps    Deps
	routes  []string
	nowFunc func() time.Time
	log     zerolog.Logger
}

type Option func(*Server)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Server) { s.nowFunc = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

func New(deps Deps, options ...Option) (*Server, error) {
	if deps.Config == nil {
		return nil, errors.New("[server.New] config is required")
	}
	if deps.Tokens == nil || deps.Device == nil || deps.Sessions == nil || deps.Services == nil {
		return nil, errors.New("[server.New] token, device, session, and service resolvers are required")
	}
	if deps.Resolver == nil || deps.Grants == nil || deps.Users == nil || deps.ServiceRepo == nil {
		return nil, errors.New("[server.New] resolver and repos are required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopRecorder{}
	}

	s := &Server{
		mux:     http.NewServeMux(),
		deps:    deps,
		nowFunc: time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handle(pattern string, handler http.HandlerFunc, middleware ...func(http.HandlerFunc) http.HandlerFunc) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, chain(handler, middleware...))
}

func (s *Server) initRoutes() {
	base := []func(http.HandlerFunc) http.HandlerFunc{s.recoverMiddleware, s.loggingMiddleware, s.corsMiddleware}

	// Device authorization grant.
	s.handle("POST /device/code", s.handleDeviceCode, base...)
	s.handle("POST /device/verify", s.handleDeviceVerify, append(base, s.requireSession)...)
	s.handle("POST /device/token", s.handleDeviceToken, base...)

	// Token lifecycle.
	s.handle("POST /token/refresh", s.handleTokenRefresh, base...)
	s.handle("POST /token/revoke", s.handleTokenRevoke, base...)

	// Grant administration.
	s.handle("GET /api/permissions/{subject}", s.handlePermissionsGet, append(base, s.authenticate)...)
	s.handle("PUT /api/permissions/{subject}", s.handlePermissionsPut, append(base, s.authenticate)...)
	s.handle("DELETE /api/permissions/{subject}", s.handlePermissionsDelete, append(base, s.authenticate)...)

	// Service bindings for machine callers.
	s.handle("GET /api/services/{accountId}/{roleName}", s.handleServiceGet, append(base, s.authenticate)...)
	s.handle("PUT /api/services", s.handleServicePut, append(base, s.authenticate)...)

	// Browser SSO front door.
	if s.deps.SSO != nil {
		s.handle("GET /auth/login", s.handleSSOLogin, base...)
		s.handle("GET /auth/callback", s.handleSSOCallback, base...)
	}
	s.handle("POST /auth/logout", s.handleLogout, base...)

	s.handle("GET /healthz", s.handleHealth, base...)
}

func (s *Server) logRoutes() {
	if s.deps.Config.Env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		s.log.Debug().Str("method", parts[0]).Str("path", parts[len(parts)-1]).Msg("route registered")
	}
}

func chain(handler http.HandlerFunc, middleware ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}
