package sso

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

const (
	testIssuer   = "https://idp.test"
	testClientID = "accounts-web"
	testAudience = "teamified.com"
)

type harness struct {
	ex      *Exchanger
	users   *identity.Resolver
	signKey *rsa.PrivateKey
}

func newHarness(t *testing.T, endpoint oauth2.Endpoint) *harness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	users := identity.NewResolver(identity.NewMemoryStore(), nil, identity.WithBcryptCost(bcrypt.MinCost))
	engine := rbac.NewEngine(rbac.NewMemoryStore(), nil)
	tokens := auth.NewMemoryStore()
	svc, err := auth.NewService(auth.Config{
		Issuer:     "accounts-test",
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		BcryptCost: bcrypt.MinCost,
	}, tokens, tokens, users, engine, nil)
	require.NoError(t, err)

	verifier := oidc.NewVerifier(testIssuer, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		&oidc.Config{ClientID: testClientID})
	cfg := Config{IssuerURL: testIssuer, ClientID: testClientID, ClientSecret: "s3cret", RedirectURL: "https://accounts.teamified.com/auth/provider/callback"}

	return &harness{
		ex:      NewExchangerWithVerifier(cfg, verifier, endpoint, users, svc, nil),
		users:   users,
		signKey: key,
	}
}

func (h *harness) idToken(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":            testIssuer,
		"sub":            "provider-subject-1",
		"aud":            testClientID,
		"iat":            time.Now().Unix(),
		"exp":            time.Now().Add(5 * time.Minute).Unix(),
		"email":          "grace@example.com",
		"email_verified": true,
		"name":           "Grace",
	}
	for k, v := range overrides {
		claims[k] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.signKey)
	require.NoError(t, err)
	return signed
}

func TestExchangeProvisionsOnce(t *testing.T) {
	h := newHarness(t, oauth2.Endpoint{})
	ctx := context.Background()
	assertion := h.idToken(t, nil)

	cred, first, err := h.ex.Exchange(ctx, assertion, testAudience)
	require.NoError(t, err)
	assert.NotEmpty(t, cred.AccessToken)
	assert.NotEmpty(t, cred.RefreshToken)
	assert.Equal(t, "provider:"+testIssuer, first.Provenance)

	_, second, err := h.ex.Exchange(ctx, assertion, testAudience)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	resolved, err := h.users.Resolve(ctx, "GRACE@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, resolved.ID)
}

func TestConcurrentExchangeProvisionsOnce(t *testing.T) {
	h := newHarness(t, oauth2.Endpoint{})
	ctx := context.Background()
	assertion := h.idToken(t, nil)

	const workers = 10
	ids := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, user, err := h.ex.Exchange(ctx, assertion, testAudience)
			if assert.NoError(t, err) {
				ids[i] = user.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestExchangeLinksExistingVerifiedEmail(t *testing.T) {
	h := newHarness(t, oauth2.Endpoint{})
	ctx := context.Background()

	existing, _, err := h.users.CreateUser(ctx, identity.NewUser{DisplayName: "Grace H", Email: "grace@example.com"})
	require.NoError(t, err)

	_, user, err := h.ex.Exchange(ctx, h.idToken(t, nil), testAudience)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID)
}

func TestExchangeRejections(t *testing.T) {
	h := newHarness(t, oauth2.Endpoint{})
	ctx := context.Background()

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer, "sub": "x", "aud": testClientID,
		"exp": time.Now().Add(time.Minute).Unix(), "email": "x@example.com", "email_verified": true,
	}).SignedString(other)
	require.NoError(t, err)

	tests := []struct {
		name      string
		assertion string
		wantErr   error
	}{
		{name: "unverified email", assertion: h.idToken(t, jwt.MapClaims{"email_verified": false}), wantErr: ErrEmailNotVerified},
		{name: "string false", assertion: h.idToken(t, jwt.MapClaims{"email_verified": "false"}), wantErr: ErrEmailNotVerified},
		{name: "expired", assertion: h.idToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}), wantErr: ErrInvalidAssertion},
		{name: "wrong audience", assertion: h.idToken(t, jwt.MapClaims{"aud": "someone-else"}), wantErr: ErrInvalidAssertion},
		{name: "wrong issuer", assertion: h.idToken(t, jwt.MapClaims{"iss": "https://evil.test"}), wantErr: ErrInvalidAssertion},
		{name: "missing email", assertion: h.idToken(t, jwt.MapClaims{"email": ""}), wantErr: ErrInvalidAssertion},
		{name: "foreign key", assertion: foreign, wantErr: ErrInvalidAssertion},
		{name: "garbage", assertion: "not.a.token", wantErr: ErrInvalidAssertion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.ex.Exchange(ctx, tt.assertion, testAudience)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestExchangeAcceptsStringVerified(t *testing.T) {
	h := newHarness(t, oauth2.Endpoint{})

	_, user, err := h.ex.Exchange(context.Background(), h.idToken(t, jwt.MapClaims{"email_verified": "true"}), testAudience)
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
}

func TestExchangeRefusesUnverifiedLocalEmail(t *testing.T) {
	h := newHarness(t, oauth2.Endpoint{})
	ctx := context.Background()

	owner, _, err := h.users.CreateUser(ctx, identity.NewUser{DisplayName: "Owner", Email: "owner@example.com"})
	require.NoError(t, err)
	_, err = h.users.LinkEmail(ctx, owner.ID, "grace@example.com", identity.EmailKindPersonal, nil)
	require.NoError(t, err)

	_, _, err = h.ex.Exchange(ctx, h.idToken(t, nil), testAudience)
	assert.ErrorIs(t, err, identity.ErrNotVerified)
}

func TestAuthCodeURL(t *testing.T) {
	h := newHarness(t, oauth2.Endpoint{AuthURL: "https://idp.test/authorize", TokenURL: "https://idp.test/token"})

	u, err := url.Parse(h.ex.AuthCodeURL("state-123"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "idp.test", u.Host)
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Contains(t, q.Get("scope"), "openid")
}

func TestExchangeCode(t *testing.T) {
	var idToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		resp := map[string]interface{}{"access_token": "upstream", "token_type": "Bearer", "expires_in": 300}
		if idToken != "" {
			resp["id_token"] = idToken
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	h := newHarness(t, oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams})
	ctx := context.Background()

	t.Run("no id_token", func(t *testing.T) {
		_, _, err := h.ex.ExchangeCode(ctx, "good-code", testAudience)
		assert.ErrorIs(t, err, ErrMissingIDToken)
	})

	t.Run("rejected code", func(t *testing.T) {
		_, _, err := h.ex.ExchangeCode(ctx, "bad-code", testAudience)
		assert.ErrorIs(t, err, ErrCodeExchange)
	})

	t.Run("empty code", func(t *testing.T) {
		_, _, err := h.ex.ExchangeCode(ctx, "", testAudience)
		assert.ErrorIs(t, err, ErrCodeExchange)
	})

	t.Run("success", func(t *testing.T) {
		idToken = h.idToken(t, nil)
		cred, user, err := h.ex.ExchangeCode(ctx, "good-code", testAudience)
		require.NoError(t, err)
		assert.NotEmpty(t, cred.AccessToken)
		assert.Equal(t, "Grace", user.DisplayName)
	})
}

func TestState(t *testing.T) {
	a, err := NewState()
	require.NoError(t, err)
	b, err := NewState()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, StateMatches(a, a))
	assert.False(t, StateMatches(a, b))
	assert.False(t, StateMatches("", ""))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{IssuerURL: "https://idp.test", ClientID: "x"}.Validate())
	assert.ErrorIs(t, Config{IssuerURL: "http://idp.test", ClientID: "x"}.Validate(), ErrNotConfigured)
	assert.ErrorIs(t, Config{IssuerURL: "https://idp.test"}.Validate(), ErrNotConfigured)
}
