package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

const (
	testAudience = "teamified.com"
	testPassword = "correct horse battery"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	svc      *Service
	store    *MemoryStore
	users    *identity.Resolver
	engine   *rbac.Engine
	roles    *rbac.MemoryStore
	clock    *fakeClock
	user     *identity.User
	workOrg  *identity.Organization
	workMail string
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	users := identity.NewResolver(identity.NewMemoryStore(), nil, identity.WithBcryptCost(bcrypt.MinCost))
	roles := rbac.NewMemoryStore()
	engine := rbac.NewEngine(roles, nil, rbac.WithPermissionCache(0, 0))
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryStore()

	svc, err := NewService(Config{
		Issuer:     "accounts-test",
		SigningKey: testKey,
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, store, store, users, engine, nil, WithClock(clock.Now))
	require.NoError(t, err)

	user, _, err := users.CreateUser(ctx, identity.NewUser{DisplayName: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	require.NoError(t, users.SetPassword(ctx, user.ID, testPassword))

	org, err := users.CreateOrganization(ctx, "Acme", "ops@acme.test")
	require.NoError(t, err)
	_, err = users.LinkEmail(ctx, user.ID, "ada@acme.test", identity.EmailKindWork, &org.ID, identity.PreVerified())
	require.NoError(t, err)

	_, err = engine.Bootstrap(ctx, user.ID, rbac.RoleInternalMember, nil)
	require.NoError(t, err)
	_, err = engine.Bootstrap(ctx, user.ID, rbac.RoleClientHR, &org.ID)
	require.NoError(t, err)

	return &fixture{
		svc: svc, store: store, users: users, engine: engine, roles: roles, clock: clock,
		user: user, workOrg: org, workMail: "ada@acme.test",
	}
}

func TestNewServiceRejectsShortKey(t *testing.T) {
	_, err := NewService(Config{Issuer: "x", SigningKey: []byte("short")}, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIssueSessionAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.IssueSession(ctx, f.user, nil, testAudience)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", cred.TokenType)
	assert.Equal(t, int64(900), cred.ExpiresIn)
	assert.Equal(t, []string{"internal_member"}, cred.Roles)
	require.NotEmpty(t, cred.RefreshToken)
	assert.Equal(t, 2, len(strings.Split(cred.RefreshToken, ".")))

	claims, err := f.svc.Validate(cred.AccessToken, testAudience)
	require.NoError(t, err)
	assert.Equal(t, KindUser, claims.Kind)
	userID, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, userID)
	assert.Nil(t, claims.OrganizationID)
	assert.NotEmpty(t, claims.ID)
}

func TestIssueSessionWithOrganizationContext(t *testing.T) {
	f := newFixture(t)

	cred, err := f.svc.IssueSession(context.Background(), f.user, &f.workOrg.ID, testAudience)
	require.NoError(t, err)
	assert.Equal(t, []string{"client_hr", "internal_member"}, cred.Roles)

	claims, err := f.svc.Validate(cred.AccessToken, testAudience)
	require.NoError(t, err)
	require.NotNil(t, claims.OrganizationID)
	assert.Equal(t, f.workOrg.ID, *claims.OrganizationID)
}

func TestValidateFailures(t *testing.T) {
	f := newFixture(t)
	cred, err := f.svc.IssueSession(context.Background(), f.user, nil, testAudience)
	require.NoError(t, err)

	t.Run("audience mismatch", func(t *testing.T) {
		_, err := f.svc.Validate(cred.AccessToken, "teamified-accounts.replit.app")
		assert.ErrorIs(t, err, ErrAudienceMismatch)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := f.svc.Validate("not-a-jwt", testAudience)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("foreign signing key", func(t *testing.T) {
		token := signRaw(t, &Claims{Kind: KindUser, RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "accounts-test", Subject: "1", Audience: jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Minute)),
		}}, jwt.SigningMethodHS256, []byte("fedcba9876543210fedcba9876543210"))
		_, err := f.svc.Validate(token, testAudience)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token := signRaw(t, &Claims{Kind: KindUser, RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "someone-else", Subject: "1", Audience: jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Minute)),
		}}, jwt.SigningMethodHS256, testKey)
		_, err := f.svc.Validate(token, testAudience)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing kind", func(t *testing.T) {
		token := signRaw(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "accounts-test", Subject: "1", Audience: jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Minute)),
		}}, jwt.SigningMethodHS256, testKey)
		_, err := f.svc.Validate(token, testAudience)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unexpected algorithm", func(t *testing.T) {
		token := signRaw(t, &Claims{Kind: KindUser, RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "accounts-test", Subject: "1", Audience: jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(f.clock.Now().Add(time.Minute)),
		}}, jwt.SigningMethodHS512, testKey)
		_, err := f.svc.Validate(token, testAudience)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("expired", func(t *testing.T) {
		f.clock.Advance(16 * time.Minute)
		_, err := f.svc.Validate(cred.AccessToken, testAudience)
		assert.ErrorIs(t, err, ErrExpired)
	})
}

func signRaw(t *testing.T, claims *Claims, method jwt.SigningMethod, key []byte) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestRefreshRotatesAndRederivesRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.IssueSession(ctx, f.user, &f.workOrg.ID, testAudience)
	require.NoError(t, err)
	assert.Contains(t, cred.Roles, "client_hr")

	// revoke the org role between issue and refresh
	assignments, err := f.engine.ListAssignments(ctx, f.user.ID)
	require.NoError(t, err)
	for _, a := range assignments {
		if a.Role == rbac.RoleClientHR {
			_, err := f.roles.Delete(ctx, a.ID)
			require.NoError(t, err)
		}
	}

	next, err := f.svc.Refresh(ctx, cred.RefreshToken, testAudience)
	require.NoError(t, err)
	assert.NotEqual(t, cred.RefreshToken, next.RefreshToken)
	assert.NotContains(t, next.Roles, "client_hr")
	require.NotNil(t, next.OrganizationID)
	assert.Equal(t, f.workOrg.ID, *next.OrganizationID)

	_, err = f.svc.Refresh(ctx, next.RefreshToken, testAudience)
	require.NoError(t, err)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.IssueSession(ctx, f.user, nil, testAudience)
	require.NoError(t, err)
	second, err := f.svc.Refresh(ctx, first.RefreshToken, testAudience)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, first.RefreshToken, testAudience)
	assert.ErrorIs(t, err, ErrRefreshReused)

	// the legitimate successor is dead too
	_, err = f.svc.Refresh(ctx, second.RefreshToken, testAudience)
	assert.ErrorIs(t, err, ErrRefreshReused)
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.IssueSession(ctx, f.user, nil, testAudience)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Refresh(ctx, cred.RefreshToken, testAudience); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestRefreshFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.IssueSession(ctx, f.user, nil, testAudience)
	require.NoError(t, err)
	id, _, err := parseRefreshToken(cred.RefreshToken)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		aud     string
		wantErr error
	}{
		{name: "no separator", token: "abc", aud: testAudience, wantErr: ErrInvalidRefresh},
		{name: "unknown id", token: newTokenID(time.Now()) + ".c2VjcmV0", aud: testAudience, wantErr: ErrInvalidRefresh},
		{name: "wrong secret", token: id + ".d3Jvbmc", aud: testAudience, wantErr: ErrInvalidRefresh},
		{name: "other audience", token: cred.RefreshToken, aud: "teamified-accounts.replit.app", wantErr: ErrAudienceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Refresh(ctx, tt.token, tt.aud)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("expired", func(t *testing.T) {
		f.clock.Advance(25 * time.Hour)
		_, err := f.svc.Refresh(ctx, cred.RefreshToken, testAudience)
		assert.ErrorIs(t, err, ErrInvalidRefresh)
	})
}

func TestRefreshRefusesArchivedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.IssueSession(ctx, f.user, nil, testAudience)
	require.NoError(t, err)
	require.NoError(t, f.users.ArchiveUser(ctx, f.user.ID))

	_, err = f.svc.Refresh(ctx, cred.RefreshToken, testAudience)
	assert.ErrorIs(t, err, ErrUserInactive)
}

func TestRevokeIsLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.svc.IssueSession(ctx, f.user, nil, testAudience)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, cred.RefreshToken))
	require.NoError(t, f.svc.Revoke(ctx, cred.RefreshToken))

	_, err = f.svc.Refresh(ctx, cred.RefreshToken, testAudience)
	assert.Error(t, err)

	assert.NoError(t, f.svc.Revoke(ctx, newTokenID(time.Now())+".c2VjcmV0"))
	assert.ErrorIs(t, f.svc.Revoke(ctx, "garbage"), ErrInvalidRefresh)
}

func TestLoginWithPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("personal email", func(t *testing.T) {
		cred, err := f.svc.LoginWithPassword(ctx, "ADA@example.com", testPassword, testAudience)
		require.NoError(t, err)
		assert.Equal(t, f.user.ID, cred.UserID)
		assert.Nil(t, cred.OrganizationID)
	})

	t.Run("work email binds organization", func(t *testing.T) {
		cred, err := f.svc.LoginWithPassword(ctx, f.workMail, testPassword, testAudience)
		require.NoError(t, err)
		require.NotNil(t, cred.OrganizationID)
		assert.Equal(t, f.workOrg.ID, *cred.OrganizationID)
		assert.Contains(t, cred.Roles, "client_hr")
	})

	t.Run("uniform failures", func(t *testing.T) {
		_, err := f.users.LinkEmail(ctx, f.user.ID, "pending@example.com", identity.EmailKindPersonal, nil)
		require.NoError(t, err)

		for _, tc := range []struct{ address, password string }{
			{"nobody@example.com", testPassword},
			{"ada@example.com", "wrong password!"},
			{"pending@example.com", testPassword},
		} {
			_, err := f.svc.LoginWithPassword(ctx, tc.address, tc.password, testAudience)
			assert.ErrorIs(t, err, ErrInvalidCredentials, tc.address)
		}
	})

	t.Run("archived user", func(t *testing.T) {
		require.NoError(t, f.users.ArchiveUser(ctx, f.user.ID))
		_, err := f.svc.LoginWithPassword(ctx, "ada@example.com", testPassword, testAudience)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestServiceCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, secret, err := f.svc.CreateServiceCredential(ctx, "payroll-sync", "Payroll sync", []string{"read:users", "read:roles"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, ClientSecretPrefix))
	assert.Equal(t, []string{"read:roles", "read:users"}, cred.Scopes)
	assert.NotContains(t, cred.SecretHash, secret)

	_, _, err = f.svc.CreateServiceCredential(ctx, "payroll-sync", "", []string{"read:users"})
	assert.ErrorIs(t, err, ErrClientExists)

	t.Run("full allow-list by default", func(t *testing.T) {
		tok, err := f.svc.IssueServiceToken(ctx, "payroll-sync", secret, nil, testAudience)
		require.NoError(t, err)
		assert.Equal(t, KindService, tok.Kind)
		assert.Empty(t, tok.RefreshToken)

		claims, err := f.svc.Validate(tok.AccessToken, testAudience)
		require.NoError(t, err)
		assert.Equal(t, KindService, claims.Kind)
		assert.Equal(t, "payroll-sync", claims.ClientID())
		assert.Empty(t, claims.Roles)
		assert.True(t, claims.HasScope("read:users"))
		assert.False(t, claims.HasScope("read:audit"))
		_, err = claims.UserID()
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("subset", func(t *testing.T) {
		tok, err := f.svc.IssueServiceToken(ctx, "payroll-sync", secret, []string{"read:users"}, testAudience)
		require.NoError(t, err)
		assert.Equal(t, []string{"read:users"}, tok.Scopes)
	})

	t.Run("all or nothing", func(t *testing.T) {
		_, err := f.svc.IssueServiceToken(ctx, "payroll-sync", secret, []string{"read:users", "read:audit"}, testAudience)
		assert.ErrorIs(t, err, ErrScopeNotGranted)
	})

	t.Run("bad secret and unknown client look the same", func(t *testing.T) {
		_, err := f.svc.IssueServiceToken(ctx, "payroll-sync", "acs_wrong", nil, testAudience)
		assert.ErrorIs(t, err, ErrInvalidClient)
		_, err = f.svc.IssueServiceToken(ctx, "ghost", secret, nil, testAudience)
		assert.ErrorIs(t, err, ErrInvalidClient)
	})

	t.Run("disabled", func(t *testing.T) {
		require.NoError(t, f.svc.DisableServiceCredential(ctx, "payroll-sync"))
		_, err := f.svc.IssueServiceToken(ctx, "payroll-sync", secret, nil, testAudience)
		assert.ErrorIs(t, err, ErrInvalidClient)
	})
}

func TestCreateServiceCredentialValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CreateServiceCredential(ctx, "ok-client", "", []string{"write:users"})
	assert.ErrorIs(t, err, ErrScopeNotIssuable)
	_, _, err = f.svc.CreateServiceCredential(ctx, "ok-client", "", []string{"users"})
	assert.ErrorIs(t, err, ErrInvalidScope)
	_, _, err = f.svc.CreateServiceCredential(ctx, "ok-client", "", nil)
	assert.ErrorIs(t, err, ErrInvalidScope)
	_, _, err = f.svc.CreateServiceCredential(ctx, "Bad Client", "", []string{"read:users"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestValidateScope(t *testing.T) {
	assert.NoError(t, ValidateScope("read:users"))
	assert.NoError(t, ValidateScope("read:role_assignments"))
	assert.ErrorIs(t, ValidateScope("write:users"), ErrScopeNotIssuable)
	assert.ErrorIs(t, ValidateScope("read:"), ErrInvalidScope)
	assert.ErrorIs(t, ValidateScope("read:Users"), ErrInvalidScope)
	assert.ErrorIs(t, ValidateScope("read:users:extra"), ErrInvalidScope)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.IssueSession(ctx, f.user, nil, testAudience)
	require.NoError(t, err)

	n, err := f.svc.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(26 * time.Hour)
	n, err = f.svc.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
