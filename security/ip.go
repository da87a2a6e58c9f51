package security

import (
	"net/http"
	"net/netip"
	"strings"
)

// ProxyConfig controls how the client address of a request is resolved.
//
// Only enable TrustProxy when the service sits behind a reverse proxy that
// overwrites X-Forwarded-For; otherwise clients can pick their own rate limit key.
type ProxyConfig struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP
	TrustProxy bool

	// TrustedProxyCount is the number of proxies appended to X-Forwarded-For
	// by our own infrastructure. Zero means one.
	TrustedProxyCount int
}

// ClientIP returns the address of the caller of r. IPv4-mapped IPv6
// addresses are reported in their IPv4 form so both spellings share a bucket.
func (p ProxyConfig) ClientIP(r *http.Request) string {
	if p.TrustProxy {
		if addr, ok := p.forwardedFor(r.Header.Values("X-Forwarded-For")); ok {
			return addr.String()
		}
		if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
			return addr.String()
		}
	}

	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if addr, ok := parseAddr(r.RemoteAddr); ok {
		return addr.String()
	}
	return r.RemoteAddr
}

// forwardedFor picks the hop left of the trusted proxies. Repeated headers
// are treated as one comma separated list.
//
//	X-Forwarded-For: "client, untrusted, proxy2"   TrustedProxyCount=2 -> "client"
func (p ProxyConfig) forwardedFor(values []string) (netip.Addr, bool) {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	if len(hops) == 0 {
		return netip.Addr{}, false
	}

	trusted := p.TrustedProxyCount
	if trusted <= 0 {
		trusted = 1
	}
	idx := max(len(hops)-trusted-1, 0)
	return parseAddr(hops[idx])
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
