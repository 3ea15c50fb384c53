package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/observability"
)

// Provisioner maps a verified provider identity onto a local user
type Provisioner interface {
	ProvisionFromProvider(ctx context.Context, id identity.ProviderIdentity) (*identity.User, bool, error)
}

// SessionIssuer mints the local session after provisioning
type SessionIssuer interface {
	IssueSession(ctx context.Context, user *identity.User, orgContext *int64, audience string) (*auth.SessionCredential, error)
}

// Exchanger turns provider ID tokens into local sessions
type Exchanger struct {
	verifier *oidc.IDTokenVerifier
	oauth2   *oauth2.Config
	users    Provisioner
	sessions SessionIssuer
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// Option configures an Exchanger
type Option func(*Exchanger)

// WithMetrics records provider logins and provisioning on m
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Exchanger) { e.metrics = m }
}

// NewExchanger discovers the provider at cfg.IssuerURL
func NewExchanger(ctx context.Context, cfg Config, users Provisioner, sessions SessionIssuer, logger *observability.Logger, opts ...Option) (*Exchanger, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return NewExchangerWithVerifier(cfg, verifier, provider.Endpoint(), users, sessions, logger, opts...), nil
}

// NewExchangerWithVerifier builds an Exchanger from an explicit verifier and
// endpoint, for providers without discovery
func NewExchangerWithVerifier(cfg Config, verifier *oidc.IDTokenVerifier, endpoint oauth2.Endpoint, users Provisioner, sessions SessionIssuer, logger *observability.Logger, opts ...Option) *Exchanger {
	if logger == nil {
		logger = observability.NopLogger()
	}
	e := &Exchanger{
		verifier: verifier,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.scopes(),
		},
		users:    users,
		sessions: sessions,
		logger:   logger.WithComponent("sso"),
		metrics:  observability.NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// providerClaims are the ID token claims the exchange relies on
type providerClaims struct {
	Email         string       `json:"email"`
	EmailVerified flexibleBool `json:"email_verified"`
	Name          string       `json:"name"`
}

// flexibleBool accepts both true and "true"; some providers send strings
type flexibleBool bool

func (b *flexibleBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexibleBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("email_verified: %w", err)
	}
	*b = flexibleBool(strings.EqualFold(s, "true"))
	return nil
}

// Exchange verifies assertion, provisions its user and issues a session
// bound to audience.
func (e *Exchanger) Exchange(ctx context.Context, assertion, audience string) (*auth.SessionCredential, *identity.User, error) {
	cred, user, err := e.exchange(ctx, assertion, audience)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.metrics.LoginsTotal.WithLabelValues("provider", outcome).Inc()
	return cred, user, err
}

func (e *Exchanger) exchange(ctx context.Context, assertion, audience string) (*auth.SessionCredential, *identity.User, error) {
	token, err := e.verifier.Verify(ctx, assertion)
	if err != nil {
		e.logger.WithError(err).Debug("provider assertion rejected")
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	var claims providerClaims
	if err := token.Claims(&claims); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	if claims.Email == "" {
		return nil, nil, fmt.Errorf("%w: missing email claim", ErrInvalidAssertion)
	}
	if !claims.EmailVerified {
		return nil, nil, ErrEmailNotVerified
	}

	user, created, err := e.users.ProvisionFromProvider(ctx, identity.ProviderIdentity{
		Issuer:      token.Issuer,
		Subject:     token.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to provision user: %w", err)
	}

	logger := e.logger.WithFields(map[string]interface{}{"user_id": user.ID, "issuer": token.Issuer})
	if created {
		e.metrics.ProvisionedUsersTotal.Inc()
	}

	cred, err := e.sessions.IssueSession(ctx, user, nil, audience)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("provider exchange completed")
	return cred, user, nil
}

// AuthCodeURL is the provider authorization URL for the redirect handoff
func (e *Exchanger) AuthCodeURL(state string) string {
	return e.oauth2.AuthCodeURL(state)
}

// ExchangeCode redeems an authorization code and runs the returned ID token
// through Exchange
func (e *Exchanger) ExchangeCode(ctx context.Context, code, audience string) (*auth.SessionCredential, *identity.User, error) {
	if code == "" {
		return nil, nil, fmt.Errorf("%w: missing code", ErrCodeExchange)
	}
	token, err := e.oauth2.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			e.logger.WithField("status", retrieveErr.Response.StatusCode).Warn("provider rejected code")
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrCodeExchange, err)
	}
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, nil, ErrMissingIDToken
	}
	return e.Exchange(ctx, raw, audience)
}
