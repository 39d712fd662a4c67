// Package oidcauth verifies the bearer ID token presented against
// POST circuit-breaker/override, the only endpoint that requires an
// elevated credential.
package oidcauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	oidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/conclave-ai/conclave/internal/config"
)

// ErrMissingToken is returned when the request carries no bearer token.
var ErrMissingToken = errors.New("oidcauth: missing bearer token")

// Claims is the subset of ID token claims relevant to attributing an
// override action in the audit trail.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// Verifier validates OIDC ID tokens against one configured issuer.
type Verifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// New connects to the configured issuer and builds a Verifier. Returns
// (nil, nil) when cfg is unset, so deployments without an identity provider
// can still run with overrides simply disabled.
func New(ctx context.Context, cfg config.OIDCConfig) (*Verifier, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidcauth: discover issuer: %w", err)
	}
	return &Verifier{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// VerifyRequest extracts and verifies the bearer token from an incoming
// HTTP request's Authorization header.
func (v *Verifier) VerifyRequest(ctx context.Context, r *http.Request) (Claims, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Claims{}, ErrMissingToken
	}
	raw := strings.TrimPrefix(header, prefix)

	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return Claims{}, fmt.Errorf("oidcauth: verify token: %w", err)
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return Claims{}, fmt.Errorf("oidcauth: decode claims: %w", err)
	}
	if claims.Subject == "" {
		claims.Subject = idToken.Subject
	}
	return claims, nil
}
