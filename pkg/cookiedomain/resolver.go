// Package cookiedomain decides whether a session cookie may carry a Domain
// attribute spanning sibling subdomains, or must stay host-only.
//
// Browsers reject a Domain attribute naming a Public Suffix List entry, so
// hosts under platform wildcard domains (for example *.replit.app) never
// share cookies. When a host is host-only, identity is handed between
// applications through the provider redirect flow instead.
package cookiedomain

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// HostOnlyOverride is the override value that forces host-only cookies
const HostOnlyOverride = "host-only"

// DefaultPlatformSuffixes are hosting platforms whose subdomains belong to
// mutually untrusted tenants
var DefaultPlatformSuffixes = []string{"replit.app", "replit.dev", "repl.co"}

// ErrInvalidConfig is returned by Config.Validate
var ErrInvalidConfig = errors.New("cookiedomain: invalid configuration")

// Config is the static input to the Resolver. It is copied at construction.
type Config struct {
	// ApexDomain is the production root whose subdomains share cookies
	ApexDomain string `yaml:"apex_domain"`
	// PlatformSuffixes are always treated as public suffixes
	PlatformSuffixes []string `yaml:"platform_suffixes"`
	// Overrides maps a host (or "*.suffix") to a cookie domain, or to
	// HostOnlyOverride
	Overrides map[string]string `yaml:"overrides"`
}

// Validate checks the configuration once at process start
func (c Config) Validate() error {
	if c.ApexDomain != "" {
		apex := normalizeHost(c.ApexDomain)
		if net.ParseIP(apex) != nil || !strings.Contains(apex, ".") {
			return fmt.Errorf("%w: apex %q is not a registrable domain", ErrInvalidConfig, c.ApexDomain)
		}
		if isPublicSuffix(apex, c.PlatformSuffixes) {
			return fmt.Errorf("%w: apex %q is a public suffix", ErrInvalidConfig, c.ApexDomain)
		}
	}
	for pattern, domain := range c.Overrides {
		if domain == HostOnlyOverride {
			continue
		}
		d := normalizeHost(domain)
		if isPublicSuffix(d, c.PlatformSuffixes) {
			return fmt.Errorf("%w: override %q names public suffix %q", ErrInvalidConfig, pattern, domain)
		}
		host := strings.TrimPrefix(normalizeHost(pattern), "*.")
		if !domainMatch(host, d) {
			return fmt.Errorf("%w: override %q is outside domain %q", ErrInvalidConfig, pattern, domain)
		}
	}
	return nil
}

// Decision is the outcome for one host
type Decision struct {
	// Domain is the cookie Domain attribute; empty when HostOnly
	Domain   string `json:"domain,omitempty"`
	HostOnly bool   `json:"host_only"`
	Reason   string `json:"reason"`
}

// HandoffMode selects how identity reaches sibling applications
type HandoffMode string

const (
	HandoffSharedCookie HandoffMode = "shared_cookie"
	HandoffRedirect     HandoffMode = "redirect"
)

// Resolver classifies request hosts. It holds no mutable state.
type Resolver struct {
	apex      string
	platforms []string
	exact     map[string]string
	wildcards []wildcard
}

type wildcard struct {
	suffix string
	domain string
}

// NewResolver builds a Resolver from cfg
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		apex:  normalizeHost(cfg.ApexDomain),
		exact: make(map[string]string),
	}
	for _, s := range cfg.PlatformSuffixes {
		r.platforms = append(r.platforms, normalizeHost(s))
	}
	for pattern, domain := range cfg.Overrides {
		p := normalizeHost(pattern)
		if domain != HostOnlyOverride {
			domain = normalizeHost(domain)
		}
		if strings.HasPrefix(p, "*.") {
			r.wildcards = append(r.wildcards, wildcard{suffix: p[1:], domain: domain})
			continue
		}
		r.exact[p] = domain
	}
	// longest suffix wins
	sort.Slice(r.wildcards, func(i, j int) bool {
		return len(r.wildcards[i].suffix) > len(r.wildcards[j].suffix)
	})
	return r
}

// SharedCookieDomain classifies host. Order: operator override, platform or
// private public suffix, apex match, then host-only for everything else.
func (r *Resolver) SharedCookieDomain(host string) Decision {
	h := normalizeHost(host)
	if h == "" {
		return hostOnly("empty-host")
	}

	if d, ok := r.override(h); ok {
		if d == HostOnlyOverride {
			return hostOnly("override")
		}
		return Decision{Domain: d, Reason: "override"}
	}

	if h == "localhost" || net.ParseIP(h) != nil || !strings.Contains(h, ".") {
		return hostOnly("local-or-ip")
	}
	if r.underPlatform(h) {
		return hostOnly("platform-suffix")
	}
	if suffix, icann := publicsuffix.PublicSuffix(h); suffix == h || (!icann && strings.Contains(suffix, ".")) {
		return hostOnly("public-suffix")
	}
	if r.apex != "" && domainMatch(h, r.apex) {
		return Decision{Domain: r.apex, Reason: "apex"}
	}
	return hostOnly("unmatched")
}

// Handoff reports which identity handoff the host supports
func (r *Resolver) Handoff(host string) HandoffMode {
	if r.SharedCookieDomain(host).HostOnly {
		return HandoffRedirect
	}
	return HandoffSharedCookie
}

// Audience is the token audience for host: the shared domain when cookies
// are shared, otherwise the host itself
func (r *Resolver) Audience(host string) string {
	d := r.SharedCookieDomain(host)
	if d.HostOnly {
		return normalizeHost(host)
	}
	return d.Domain
}

// SessionCookie builds a session cookie for host. HttpOnly and Secure are
// always set; Domain only when the host may share cookies.
func (r *Resolver) SessionCookie(host, name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		Expires:  time.Now().Add(maxAge),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	if d := r.SharedCookieDomain(host); !d.HostOnly {
		c.Domain = d.Domain
	}
	return c
}

// ClearCookie builds a cookie that deletes name for host
func (r *Resolver) ClearCookie(host, name string) *http.Cookie {
	c := r.SessionCookie(host, name, "", 0)
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func (r *Resolver) override(h string) (string, bool) {
	if d, ok := r.exact[h]; ok {
		return d, true
	}
	for _, w := range r.wildcards {
		if strings.HasSuffix(h, w.suffix) {
			return w.domain, true
		}
	}
	return "", false
}

func (r *Resolver) underPlatform(h string) bool {
	for _, s := range r.platforms {
		if domainMatch(h, s) {
			return true
		}
	}
	return false
}

func hostOnly(reason string) Decision {
	return Decision{HostOnly: true, Reason: reason}
}

func isPublicSuffix(domain string, platforms []string) bool {
	for _, s := range platforms {
		if normalizeHost(s) == domain {
			return true
		}
	}
	suffix, _ := publicsuffix.PublicSuffix(domain)
	return suffix == domain
}

// domainMatch reports whether host equals domain or is a subdomain of it
func domainMatch(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if hostPart, _, err := net.SplitHostPort(h); err == nil {
		h = hostPart
	}
	h = strings.TrimPrefix(strings.TrimSuffix(h, "]"), "[")
	return strings.TrimSuffix(h, ".")
}
