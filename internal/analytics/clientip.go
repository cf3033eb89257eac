// -------------------------------------------------------------------------------
// Client IP Extraction - Trusted Proxy Header Resolution
//
// Author: Alex Freidah
//
// Resolves the visitor address recorded for analytics. In "none" mode the
// socket peer is used as-is. "cloudflare" mode reads CF-Connecting-IP.
// "standard" mode reads RFC 7239 Forwarded for= values, then X-Forwarded-For,
// and picks the client out of the chain by a fixed hop count or by walking
// right-to-left past trusted proxy CIDRs. Optional anonymization truncates
// IPv4 to /24 and IPv6 to /48 before the address leaves the request path.
// -------------------------------------------------------------------------------

package analytics

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/afreidah/shortlinkd/internal/config"
)

// Trusted proxy modes.
const (
	ProxyModeNone       = "none"
	ProxyModeStandard   = "standard"
	ProxyModeCloudflare = "cloudflare"
)

// ClientIPExtractor picks the visitor address out of a request.
type ClientIPExtractor struct {
	mode       string
	trusted    []netip.Prefix
	numTrusted int
	anonymize  bool
}

// NewClientIPExtractor builds an extractor from the analytics settings.
// Unparseable CIDRs are logged and skipped.
func NewClientIPExtractor(cfg config.AnalyticsConfig) *ClientIPExtractor {
	e := &ClientIPExtractor{
		mode:       cfg.TrustedProxyMode,
		numTrusted: cfg.NumTrustedProxies,
		anonymize:  cfg.IPAnonymization,
	}
	if e.mode == "" {
		e.mode = ProxyModeNone
	}
	for _, s := range cfg.TrustedProxies {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			slog.Warn("Ignoring invalid trusted proxy CIDR", "cidr", s, "error", err)
			continue
		}
		e.trusted = append(e.trusted, p.Masked())
	}
	return e
}

// Extract returns the client address for r, or the zero Addr when even the
// socket address cannot be parsed.
func (e *ClientIPExtractor) Extract(r *http.Request) netip.Addr {
	peer := peerAddr(r.RemoteAddr)

	ip := peer
	switch e.mode {
	case ProxyModeCloudflare:
		if cf, ok := parseIP(r.Header.Get("CF-Connecting-IP")); ok {
			ip = cf
		} else {
			slog.Warn("CF-Connecting-IP header missing in cloudflare mode, using socket address",
				"remote_addr", r.RemoteAddr)
		}
	case ProxyModeStandard:
		if fwd, ok := e.fromForwarded(r.Header.Values("Forwarded")); ok {
			ip = fwd
		} else if xff, ok := e.fromXForwardedFor(r.Header.Values("X-Forwarded-For")); ok {
			ip = xff
		}
	}

	if e.anonymize {
		ip = Anonymize(ip)
	}
	return ip
}

// fromForwarded collects every for= value across Forwarded headers.
func (e *ClientIPExtractor) fromForwarded(headers []string) (netip.Addr, bool) {
	var chain []netip.Addr
	for _, h := range headers {
		for element := range strings.SplitSeq(h, ",") {
			for param := range strings.SplitSeq(element, ";") {
				key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(key, "for") {
					continue
				}
				if ip, ok := parseIP(forwardedNode(value)); ok {
					chain = append(chain, ip)
				}
			}
		}
	}
	return e.pick(chain)
}

// fromXForwardedFor parses a comma-separated X-Forwarded-For chain.
func (e *ClientIPExtractor) fromXForwardedFor(headers []string) (netip.Addr, bool) {
	var chain []netip.Addr
	for _, h := range headers {
		for part := range strings.SplitSeq(h, ",") {
			if ip, ok := parseIP(part); ok {
				chain = append(chain, ip)
			}
		}
	}
	return e.pick(chain)
}

// pick selects the client from a proxy chain ordered client-first.
func (e *ClientIPExtractor) pick(chain []netip.Addr) (netip.Addr, bool) {
	if len(chain) == 0 {
		return netip.Addr{}, false
	}

	if e.numTrusted > 0 {
		if len(chain) > e.numTrusted {
			return chain[len(chain)-e.numTrusted-1], true
		}
		return chain[0], true
	}

	if len(e.trusted) > 0 {
		for i := len(chain) - 1; i >= 0; i-- {
			if !e.isTrusted(chain[i]) {
				return chain[i], true
			}
		}
		return chain[0], true
	}

	return chain[len(chain)-1], true
}

func (e *ClientIPExtractor) isTrusted(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range e.trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// forwardedNode strips quotes, brackets, and ports from a Forwarded node
// value such as "[2001:db8::1]:443" or 192.0.2.1:8080.
func forwardedNode(v string) string {
	v = strings.Trim(strings.TrimSpace(v), `"`)
	if strings.HasPrefix(v, "[") {
		if end := strings.IndexByte(v, ']'); end > 0 {
			return v[1:end]
		}
		return v
	}
	if host, _, err := net.SplitHostPort(v); err == nil {
		return host
	}
	return v
}

// parseIP parses a bare address, dropping any IPv6 zone.
func parseIP(s string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.WithZone("").Unmap(), true
}

// peerAddr parses the socket address of a request.
func peerAddr(remote string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().WithZone("").Unmap()
	}
	ip, _ := parseIP(remote)
	return ip
}

// Anonymize truncates IPv4 addresses to /24 and IPv6 addresses to /48.
func Anonymize(ip netip.Addr) netip.Addr {
	if !ip.IsValid() {
		return ip
	}
	bits := 48
	if ip.Is4() {
		bits = 24
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		return ip
	}
	return p.Addr()
}
