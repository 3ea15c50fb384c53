package cookiedomain

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ApexDomain:       "teamified.com",
		PlatformSuffixes: DefaultPlatformSuffixes,
		Overrides: map[string]string{
			"legacy.teamified.com": HostOnlyOverride,
			"*.staging.example.org": "staging.example.org",
		},
	}
}

func TestSharedCookieDomain(t *testing.T) {
	r := NewResolver(testConfig())

	tests := []struct {
		name     string
		host     string
		domain   string
		hostOnly bool
		reason   string
	}{
		{name: "apex subdomain", host: "accounts.teamified.com", domain: "teamified.com", reason: "apex"},
		{name: "apex itself", host: "teamified.com", domain: "teamified.com", reason: "apex"},
		{name: "apex with port and case", host: "Hub.Teamified.com:8443", domain: "teamified.com", reason: "apex"},
		{name: "platform wildcard", host: "teamified-accounts.replit.app", hostOnly: true, reason: "platform-suffix"},
		{name: "private public suffix", host: "teamified.herokuapp.com", hostOnly: true, reason: "public-suffix"},
		{name: "override forces host-only", host: "legacy.teamified.com", hostOnly: true, reason: "override"},
		{name: "wildcard override", host: "a.staging.example.org", domain: "staging.example.org", reason: "override"},
		{name: "localhost", host: "localhost:3000", hostOnly: true, reason: "local-or-ip"},
		{name: "ipv4", host: "10.0.0.5:8080", hostOnly: true, reason: "local-or-ip"},
		{name: "ipv6", host: "[::1]:8080", hostOnly: true, reason: "local-or-ip"},
		{name: "unrelated domain", host: "app.other.com", hostOnly: true, reason: "unmatched"},
		{name: "lookalike of apex", host: "evilteamified.com", hostOnly: true, reason: "unmatched"},
		{name: "empty", host: "", hostOnly: true, reason: "empty-host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.SharedCookieDomain(tt.host)
			assert.Equal(t, tt.hostOnly, d.HostOnly)
			assert.Equal(t, tt.domain, d.Domain)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestHandoffAndAudience(t *testing.T) {
	r := NewResolver(testConfig())

	assert.Equal(t, HandoffSharedCookie, r.Handoff("accounts.teamified.com"))
	assert.Equal(t, HandoffRedirect, r.Handoff("teamified-accounts.replit.app"))

	assert.Equal(t, "teamified.com", r.Audience("accounts.teamified.com"))
	assert.Equal(t, "teamified.com", r.Audience("hr.teamified.com"))
	assert.Equal(t, "teamified-accounts.replit.app", r.Audience("Teamified-Accounts.replit.app:443"))
}

func TestSessionCookie(t *testing.T) {
	r := NewResolver(testConfig())

	shared := r.SessionCookie("accounts.teamified.com", "session", "abc", time.Hour)
	assert.Equal(t, "teamified.com", shared.Domain)
	assert.True(t, shared.HttpOnly)
	assert.True(t, shared.Secure)
	assert.Equal(t, http.SameSiteLaxMode, shared.SameSite)
	assert.Equal(t, 3600, shared.MaxAge)

	hostOnly := r.SessionCookie("teamified-accounts.replit.app", "session", "abc", time.Hour)
	assert.Empty(t, hostOnly.Domain)
	assert.True(t, hostOnly.HttpOnly)
	assert.True(t, hostOnly.Secure)

	cleared := r.ClearCookie("accounts.teamified.com", "session")
	assert.Equal(t, -1, cleared.MaxAge)
	assert.Equal(t, "teamified.com", cleared.Domain)
	assert.Empty(t, cleared.Value)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())
	require.NoError(t, Config{}.Validate())

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "apex is ICANN suffix", cfg: Config{ApexDomain: "co.uk"}},
		{name: "apex is platform suffix", cfg: Config{ApexDomain: "replit.app", PlatformSuffixes: DefaultPlatformSuffixes}},
		{name: "apex is an ip", cfg: Config{ApexDomain: "10.0.0.1"}},
		{name: "override onto public suffix", cfg: Config{Overrides: map[string]string{"a.herokuapp.com": "herokuapp.com"}}},
		{name: "override outside host", cfg: Config{Overrides: map[string]string{"a.example.org": "example.net"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestResolverIgnoresLaterConfigMutation(t *testing.T) {
	cfg := testConfig()
	r := NewResolver(cfg)
	cfg.Overrides["accounts.teamified.com"] = HostOnlyOverride

	assert.False(t, r.SharedCookieDomain("accounts.teamified.com").HostOnly)
}
