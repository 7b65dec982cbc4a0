// Package sso is the browser login leg: it turns an upstream identity
// provider's OIDC callback into a verified email plus group list. Assertion
// validation itself happens at the IdP; this package only verifies the ID
// token handed back on the callback and extracts identity claims.
package sso

import (
	"context"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Identity is the verified principal coming out of a completed login.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Groups        []string
}

// Provider wraps the OIDC relying-party pieces for one upstream IdP.
type Provider struct {
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	oauthConfig *oauth2.Config
	groupsClaim string
	log         zerolog.Logger
}

type Option func(*Provider)

func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

func New(ctx context.Context, issuer, clientID, clientSecret, redirectURL, groupsClaim string, options ...Option) (*Provider, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrap(err, "[sso.New] discover provider")
	}

	p := &Provider{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		groupsClaim: groupsClaim,
		log:         zerolog.Nop(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// AuthURL builds the IdP redirect for a login attempt.
func (p *Provider) AuthURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange completes the callback: code for tokens, ID-token verification,
// claims extraction.
func (p *Provider) Exchange(ctx context.Context, code string) (*Identity, error) {
	oauthToken, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "[Provider.Exchange] code exchange")
	}

	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("[Provider.Exchange] no id_token in response")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, errors.Wrap(err, "[Provider.Exchange] verify id_token")
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "[Provider.Exchange] extract claims")
	}
	if claims.Email == "" {
		return nil, errors.New("[Provider.Exchange] id_token has no email claim")
	}

	identity := &Identity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}
	identity.Groups = p.extractGroups(idToken, oauthToken.AccessToken)
	return identity, nil
}

// extractGroups reads the group list from the ID token's claims, falling
// back to the IdP access token: some providers (Cognito, Okta with custom
// authorization servers) only put groups there. The access token is parsed
// unverified; it came over the token endpoint's TLS channel and only
// supplies group hints, the identity itself is from the verified ID token.
func (p *Provider) extractGroups(idToken *oidc.IDToken, accessToken string) []string {
	allClaims := map[string]any{}
	if err := idToken.Claims(&allClaims); err == nil {
		if groups := stringSlice(allClaims[p.groupsClaim]); len(groups) > 0 {
			return groups
		}
	}

	if accessToken == "" {
		return nil
	}
	parsedToken, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		p.log.Debug().Err(err).Msg("idp access token is not a jwt, no groups fallback")
		return nil
	}
	mapClaims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	return stringSlice(mapClaims[p.groupsClaim])
}

func stringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	groups := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups
}
