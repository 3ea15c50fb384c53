package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/observability"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

// MinSigningKeyLength is the shortest HS256 key NewService accepts
const MinSigningKeyLength = 32

// Config holds token lifetimes and signing material
type Config struct {
	Issuer          string
	SigningKey      []byte
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	ServiceTokenTTL time.Duration
	BcryptCost      int
}

func (c *Config) applyDefaults() {
	if c.AccessTTL == 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.ServiceTokenTTL == 0 {
		c.ServiceTokenTTL = time.Hour
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
}

// Directory resolves users for login and refresh
type Directory interface {
	ResolveEmail(ctx context.Context, address string) (*identity.User, *identity.LinkedEmail, error)
	GetUser(ctx context.Context, id int64) (*identity.User, error)
	// VerifyPassword must cost the same for a nil user as for a mismatch
	VerifyPassword(user *identity.User, password string) bool
}

// RoleSource supplies the role snapshot embedded in user tokens
type RoleSource interface {
	EffectiveRoles(ctx context.Context, userID int64, orgContext *int64) ([]*rbac.RoleAssignment, error)
}

// SessionCredential is what a successful authentication returns to the caller
type SessionCredential struct {
	AccessToken      string     `json:"access_token"`
	TokenType        string     `json:"token_type"`
	ExpiresIn        int64      `json:"expires_in"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
	Kind             TokenKind  `json:"kind"`
	UserID           int64      `json:"user_id,omitempty"`
	OrganizationID   *int64     `json:"organization_id,omitempty"`
	Roles            []string   `json:"roles,omitempty"`
	Scopes           []string   `json:"scopes,omitempty"`
}

// Service mints and validates human and machine credentials
type Service struct {
	cfg         Config
	refresh     RefreshStore
	credentials CredentialStore
	users       Directory
	roles       RoleSource
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	dummySecret []byte
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithMetrics records issuance and validation counters on m
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service
func NewService(cfg Config, refresh RefreshStore, credentials CredentialStore, users Directory, roles RoleSource, logger *observability.Logger, opts ...ServiceOption) (*Service, error) {
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("%w: signing key must be at least %d bytes", ErrInvalidConfig, MinSigningKeyLength)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("%w: issuer is required", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NopLogger()
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("accounts-unknown-client"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	s := &Service{
		cfg:         cfg,
		refresh:     refresh,
		credentials: credentials,
		users:       users,
		roles:       roles,
		logger:      logger.WithComponent("auth"),
		metrics:     observability.NewMetrics(nil),
		now:         time.Now,
		dummySecret: dummy,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueSession mints an access token carrying a fresh role snapshot for
// (user, orgContext) and a new refresh token.
func (s *Service) IssueSession(ctx context.Context, user *identity.User, orgContext *int64, audience string) (*SessionCredential, error) {
	if user == nil || !user.CanAuthenticate() {
		return nil, ErrUserInactive
	}
	if audience == "" {
		return nil, fmt.Errorf("%w: audience is required", ErrInvalidRequest)
	}

	now := s.now()
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	rt := &RefreshToken{
		ID:             newTokenID(now),
		UserID:         user.ID,
		OrganizationID: orgContext,
		Audience:       audience,
		TokenHash:      hashSecret(secret),
		ExpiresAt:      now.Add(s.cfg.RefreshTTL),
	}
	if err := s.refresh.CreateRefresh(ctx, rt); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	cred, err := s.userAccessToken(ctx, user.ID, orgContext, audience, now)
	if err != nil {
		return nil, err
	}
	cred.RefreshToken = formatRefreshToken(rt.ID, secret)
	cred.RefreshExpiresAt = &rt.ExpiresAt
	return cred, nil
}

func (s *Service) userAccessToken(ctx context.Context, userID int64, orgContext *int64, audience string, now time.Time) (*SessionCredential, error) {
	assignments, err := s.roles.EffectiveRoles(ctx, userID, orgContext)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}
	roles := rbac.RoleNames(assignments)

	claims := &Claims{
		Kind:           KindUser,
		OrganizationID: orgContext,
		Roles:          roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatInt(userID, 10),
		},
	}
	signed, expiresAt, err := s.sign(claims, audience, s.cfg.AccessTTL, now)
	if err != nil {
		return nil, err
	}
	s.metrics.TokensIssuedTotal.WithLabelValues(string(KindUser)).Inc()

	return &SessionCredential{
		AccessToken:    signed,
		TokenType:      "Bearer",
		ExpiresIn:      int64(s.cfg.AccessTTL / time.Second),
		ExpiresAt:      expiresAt,
		Kind:           KindUser,
		UserID:         userID,
		OrganizationID: orgContext,
		Roles:          roles,
	}, nil
}

func (s *Service) sign(claims *Claims, audience string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(ttl)
	claims.Issuer = s.cfg.Issuer
	claims.Audience = jwt.ClaimStrings{audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	claims.ID = uuid.NewString()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Refresh exchanges a refresh token for a new session. The presented token
// is revoked; presenting a revoked token again revokes every refresh token of
// its user.
func (s *Service) Refresh(ctx context.Context, raw, audience string) (*SessionCredential, error) {
	id, secret, err := parseRefreshToken(raw)
	if err != nil {
		return nil, err
	}
	stored, err := s.refresh.GetRefresh(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidRefresh
	}
	if err != nil {
		return nil, err
	}
	if !secretMatches(stored.TokenHash, secret) {
		return nil, ErrInvalidRefresh
	}

	logger := s.logger.WithFields(map[string]interface{}{"user_id": stored.UserID, "refresh_id": stored.ID})
	now := s.now()
	if stored.RevokedAt != nil {
		s.revokeFamily(ctx, stored.UserID, logger)
		return nil, ErrRefreshReused
	}
	if !now.Before(stored.ExpiresAt) {
		return nil, ErrInvalidRefresh
	}
	if stored.Audience != audience {
		return nil, ErrAudienceMismatch
	}

	user, err := s.users.GetUser(ctx, stored.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.CanAuthenticate() {
		if err := s.refresh.RevokeRefresh(ctx, stored.ID); err != nil {
			logger.WithError(err).Warn("failed to revoke refresh token of inactive user")
		}
		return nil, ErrUserInactive
	}

	nextSecret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	next := &RefreshToken{
		ID:             newTokenID(now),
		UserID:         stored.UserID,
		OrganizationID: stored.OrganizationID,
		Audience:       stored.Audience,
		TokenHash:      hashSecret(nextSecret),
		ExpiresAt:      now.Add(s.cfg.RefreshTTL),
	}
	if err := s.refresh.RotateRefresh(ctx, stored.ID, next); err != nil {
		if errors.Is(err, ErrRefreshReused) {
			s.revokeFamily(ctx, stored.UserID, logger)
		}
		return nil, err
	}

	cred, err := s.userAccessToken(ctx, stored.UserID, stored.OrganizationID, audience, now)
	if err != nil {
		return nil, err
	}
	cred.RefreshToken = formatRefreshToken(next.ID, nextSecret)
	cred.RefreshExpiresAt = &next.ExpiresAt
	return cred, nil
}

func (s *Service) revokeFamily(ctx context.Context, userID int64, logger *observability.Logger) {
	n, err := s.refresh.RevokeAllForUser(ctx, userID)
	if err != nil {
		logger.WithError(err).Error("failed to revoke refresh tokens after reuse")
		return
	}
	logger.WithField("revoked", n).Warn("refresh token reuse detected")
}

// Revoke invalidates a refresh token. Unknown tokens are ignored so logout
// is idempotent.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	id, secret, err := parseRefreshToken(raw)
	if err != nil {
		return err
	}
	stored, err := s.refresh.GetRefresh(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !secretMatches(stored.TokenHash, secret) {
		return ErrInvalidRefresh
	}
	return s.refresh.RevokeRefresh(ctx, id)
}

// LoginWithPassword authenticates a human by any of their linked verified
// emails. Every failure mode returns ErrInvalidCredentials.
func (s *Service) LoginWithPassword(ctx context.Context, address, password, audience string) (*SessionCredential, error) {
	user, email, err := s.users.ResolveEmail(ctx, address)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			return nil, fmt.Errorf("failed to resolve email: %w", err)
		}
		s.users.VerifyPassword(nil, password)
		return nil, s.loginFailed("unknown_email")
	}

	ok := s.users.VerifyPassword(user, password)
	switch {
	case !ok:
		return nil, s.loginFailed("bad_password")
	case !email.Verified:
		return nil, s.loginFailed("unverified_email")
	case !user.CanAuthenticate():
		return nil, s.loginFailed("inactive_user")
	}

	var org *int64
	if email.Kind == identity.EmailKindWork {
		org = email.OrganizationID
	}
	cred, err := s.IssueSession(ctx, user, org, audience)
	if err != nil {
		return nil, err
	}
	s.metrics.LoginsTotal.WithLabelValues("password", "success").Inc()
	return cred, nil
}

func (s *Service) loginFailed(reason string) error {
	s.metrics.LoginsTotal.WithLabelValues("password", "failure").Inc()
	s.logger.WithField("reason", reason).Debug("password login rejected")
	return ErrInvalidCredentials
}

// IssueServiceToken authenticates a machine client and mints a scoped,
// role-free token. An empty request receives the full allow-list; any scope
// outside the allow-list fails the whole request.
func (s *Service) IssueServiceToken(ctx context.Context, clientID, clientSecret string, requested []string, audience string) (*SessionCredential, error) {
	if audience == "" {
		return nil, fmt.Errorf("%w: audience is required", ErrInvalidRequest)
	}
	cred, err := s.credentials.GetCredential(ctx, clientID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load service credential: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummySecret, []byte(clientSecret))
		return nil, ErrInvalidClient
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(clientSecret)) != nil || !cred.Active() {
		return nil, ErrInvalidClient
	}

	scopes := cred.Scopes
	if len(requested) > 0 {
		for _, scope := range requested {
			if !cred.Allows(scope) {
				return nil, fmt.Errorf("%w: %s", ErrScopeNotGranted, scope)
			}
		}
		scopes = requested
	}
	scopes = uniqueSorted(scopes)

	now := s.now()
	claims := &Claims{
		Kind:   KindService,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: cred.ClientID,
		},
	}
	signed, expiresAt, err := s.sign(claims, audience, s.cfg.ServiceTokenTTL, now)
	if err != nil {
		return nil, err
	}
	s.metrics.TokensIssuedTotal.WithLabelValues(string(KindService)).Inc()

	return &SessionCredential{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.ServiceTokenTTL / time.Second),
		ExpiresAt:   expiresAt,
		Kind:        KindService,
		Scopes:      scopes,
	}, nil
}

// Validate verifies signature, algorithm, issuer, expiry and audience.
func (s *Service) Validate(raw, audience string) (*Claims, error) {
	claims, err := s.validate(raw, audience)
	if err != nil {
		s.metrics.TokenValidationsFailed.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	return claims, nil
}

func (s *Service) validate(raw, audience string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMalformed
	}
	if audience == "" {
		return nil, ErrAudienceMismatch
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.cfg.SigningKey, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, ErrAudienceMismatch
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch claims.Kind {
	case KindUser:
		if _, err := claims.UserID(); err != nil {
			return nil, err
		}
	case KindService:
		if claims.Subject == "" || len(claims.Roles) > 0 {
			return nil, fmt.Errorf("%w: bad service claims", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: missing token kind", ErrMalformed)
	}
	return claims, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAudienceMismatch):
		return "audience"
	default:
		return "malformed"
	}
}

var clientIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,127}$`)

// CreateServiceCredential registers a machine client. The plaintext secret
// is returned once and never stored.
func (s *Service) CreateServiceCredential(ctx context.Context, clientID, name string, scopes []string) (*ServiceCredential, string, error) {
	if !clientIDPattern.MatchString(clientID) {
		return nil, "", fmt.Errorf("%w: client id %q", ErrInvalidRequest, clientID)
	}
	if len(scopes) == 0 {
		return nil, "", fmt.Errorf("%w: at least one scope is required", ErrInvalidScope)
	}
	for _, scope := range scopes {
		if err := ValidateScope(scope); err != nil {
			return nil, "", err
		}
	}
	if name == "" {
		name = clientID
	}

	random, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	secret := ClientSecretPrefix + random
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cfg.BcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
	}

	cred := &ServiceCredential{
		ClientID:   clientID,
		Name:       name,
		SecretHash: string(hash),
		Scopes:     uniqueSorted(scopes),
	}
	if err := s.credentials.CreateCredential(ctx, cred); err != nil {
		return nil, "", err
	}
	s.logger.WithFields(map[string]interface{}{"client_id": clientID, "scopes": cred.Scopes}).Info("service credential created")
	return cred, secret, nil
}

// DisableServiceCredential stops a client from minting new tokens. Tokens
// already issued remain valid until they expire.
func (s *Service) DisableServiceCredential(ctx context.Context, clientID string) error {
	return s.credentials.DisableCredential(ctx, clientID)
}

// Sweep removes refresh tokens that expired more than retention ago
func (s *Service) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.refresh.DeleteExpiredRefresh(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.WithField("deleted", n).Info("swept expired refresh tokens")
	}
	return n, nil
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
