package webhooks

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/erichowens/port-daddy/internal/types"
)

// Private, loopback, link-local and cloud-metadata ranges a webhook target
// may never point at.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
}

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// validateURL enforces the webhook target rules: http/https scheme and a
// host outside the SSRF block list.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return types.E(types.CodeValidation, "invalid webhook url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.E(types.CodeValidation, "webhook url scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return types.E(types.CodeValidation, "webhook url %q has no host", raw)
	}
	if blockedHosts[strings.ToLower(host)] {
		return types.E(types.CodeValidation, "webhook host %q is not allowed", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		check := addr.Unmap()
		for _, p := range blockedPrefixes {
			if p.Contains(check) {
				return types.E(types.CodeValidation, "webhook host %q is in a blocked range", host)
			}
		}
	}
	return nil
}
