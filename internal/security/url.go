// Package security provides outbound-request validation for memstore.
//
// The URL validator prevents SSRF (Server-Side Request Forgery): the
// codehost base URL is operator-configured, and a careless or hostile
// config must not turn the verifier into a scanner of private networks or
// cloud metadata endpoints.
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// URL validates URLs before the codehost client fetches them.
//
// Blocked by default:
//   - Private ranges (RFC 1918): 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16
//   - Loopback: 127.0.0.0/8, ::1
//   - Link-local: 169.254.0.0/16, fe80::/10 (includes cloud metadata)
//   - Hostnames: localhost, metadata.google.internal and friends
type URL struct {
	allowedSchemes map[string]struct{}
	blockedHosts   map[string]struct{}

	// allowPrivate permits private and loopback targets. Meant for
	// self-hosted code hosts on internal networks and for tests.
	allowPrivate bool
}

// Option configures a URL validator.
type Option func(*URL)

// WithPrivateHosts allows fetches to private and loopback addresses.
func WithPrivateHosts() Option {
	return func(v *URL) { v.allowPrivate = true }
}

// NewURL creates a URL validator with default security settings.
func NewURL(opts ...Option) *URL {
	v := &URL{
		allowedSchemes: map[string]struct{}{
			"http":  {},
			"https": {},
		},
		blockedHosts: map[string]struct{}{
			"metadata.google.internal": {},
			"metadata.gce.internal":    {},
			"metadata.internal":        {},
			"metadata":                 {},
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks whether a URL is safe to fetch. Hostnames are resolved
// and every resulting address is checked, so DNS names pointing into
// private ranges are caught too.
func (v *URL) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if _, ok := v.allowedSchemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("unsupported scheme %q (allowed: http, https)", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty hostname")
	}

	lower := strings.ToLower(host)
	if _, blocked := v.blockedHosts[lower]; blocked {
		return fmt.Errorf("blocked hostname: %s", host)
	}
	if lower == "localhost" && !v.allowPrivate {
		return fmt.Errorf("blocked hostname: %s", host)
	}

	// Literal IP addresses skip DNS.
	if ip := net.ParseIP(host); ip != nil {
		return v.checkIP(ip, host)
	}
	if v.allowPrivate {
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", host, err)
	}
	for _, ip := range ips {
		if err := v.checkIP(ip, host); err != nil {
			return err
		}
	}
	return nil
}

func (v *URL) checkIP(ip net.IP, host string) error {
	// Metadata endpoints stay blocked even for private-host deployments.
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("blocked metadata endpoint: %s", host)
	}
	if v.allowPrivate {
		return nil
	}
	if isPrivateIP(ip) {
		return fmt.Errorf("blocked private address: %s resolves to %s", host, ip)
	}
	return nil
}

// isPrivateIP reports whether ip falls in a range that outbound fetches
// must not reach.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	// IPv6 unique local addresses, fc00::/7.
	if ip6 := ip.To16(); ip6 != nil && ip.To4() == nil {
		return ip6[0]&0xfe == 0xfc
	}
	return false
}

// SafeClient returns an HTTP client that re-validates every redirect
// target and caps the redirect chain. The codehost client wraps this with
// its own per-request timeouts.
func (v *URL) SafeClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			if err := v.Validate(req.URL.String()); err != nil {
				return fmt.Errorf("redirect to unsafe URL: %w", err)
			}
			return nil
		},
	}
}
