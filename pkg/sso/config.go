package sso

import (
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Config describes the single upstream OpenID provider
type Config struct {
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether a provider is configured at all
func (c Config) Enabled() bool {
	return c.IssuerURL != ""
}

// Validate checks required fields of an enabled provider
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if !strings.HasPrefix(c.IssuerURL, "https://") && !strings.HasPrefix(c.IssuerURL, "http://localhost") {
		return fmt.Errorf("%w: issuer url must use https", ErrNotConfigured)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrNotConfigured)
	}
	return nil
}

func (c Config) scopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return []string{oidc.ScopeOpenID, "email", "profile"}
}
