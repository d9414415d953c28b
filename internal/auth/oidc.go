// Package auth guards the operator dashboard: OIDC login against the
// configured identity provider, an optional operator allow-list, and
// the session cookies that carry the result. The CalDAV client itself
// never touches this package — server credentials are basic or bearer
// per the quirk profile.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	ErrOIDCInit      = errors.New("OIDC initialization failed")
	ErrLoginFailed   = errors.New("login failed")
	ErrNotAuthorized = errors.New("account is not an authorized operator")
)

// Authenticator runs the OIDC code flow and decides which identities
// may operate the daemon.
type Authenticator struct {
	verifier *oidc.IDTokenVerifier
	config   oauth2.Config

	// allowed holds lowercased operator emails. Nil means any identity
	// the provider verifies is accepted, for single-tenant IdPs that
	// gate membership themselves.
	allowed map[string]bool
}

// NewAuthenticator discovers the issuer and prepares the code flow.
// allowedEmails restricts who may log in; pass nil to defer entirely to
// the provider.
func NewAuthenticator(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, allowedEmails []string) (*Authenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOIDCInit, err)
	}

	a := &Authenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}
	if len(allowedEmails) > 0 {
		a.allowed = make(map[string]bool, len(allowedEmails))
		for _, email := range allowedEmails {
			if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
				a.allowed[email] = true
			}
		}
	}
	return a, nil
}

// LoginURL returns the provider URL to send the operator's browser to.
func (a *Authenticator) LoginURL(state string) string {
	return a.config.AuthCodeURL(state)
}

// Authenticate redeems the callback code and returns the operator it
// identifies: code exchange, ID-token verification, claim extraction,
// and the allow-list check in one step. Any failure along the way is an
// ErrLoginFailed except a verified identity that simply isn't an
// operator, which is ErrNotAuthorized so the handler can answer 403
// rather than 400.
func (a *Authenticator) Authenticate(ctx context.Context, code string) (*Operator, error) {
	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange: %w", ErrLoginFailed, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: provider returned no id_token", ErrLoginFailed)
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: token verification: %w", ErrLoginFailed, err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: parsing claims: %w", ErrLoginFailed, err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: email claim is required", ErrLoginFailed)
	}

	if a.allowed != nil && !a.allowed[strings.ToLower(claims.Email)] {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, claims.Email)
	}

	return &Operator{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
	}, nil
}
