// -------------------------------------------------------------------------------
// Client IP Extraction Tests
//
// Author: Alex Freidah
//
// Proxy modes, trust chain selection by hop count and CIDR, Forwarded header
// node formats, and anonymization.
// -------------------------------------------------------------------------------

package analytics

import (
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/afreidah/shortlinkd/internal/config"
)

func extract(cfg config.AnalyticsConfig, remote string, headers map[string]string) netip.Addr {
	r := httptest.NewRequest("GET", "/abc", nil)
	r.RemoteAddr = remote
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return NewClientIPExtractor(cfg).Extract(r)
}

func TestExtract_Modes(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AnalyticsConfig
		headers map[string]string
		want    string
	}{
		{
			name:    "none ignores headers",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "none"},
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9"},
			want:    "10.0.0.1",
		},
		{
			name:    "cloudflare header",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "cloudflare"},
			headers: map[string]string{"CF-Connecting-IP": "203.0.113.9"},
			want:    "203.0.113.9",
		},
		{
			name: "cloudflare missing header falls back to socket",
			cfg:  config.AnalyticsConfig{TrustedProxyMode: "cloudflare"},
			want: "10.0.0.1",
		},
		{
			name:    "standard rightmost without trust config",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "standard"},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 203.0.113.9"},
			want:    "203.0.113.9",
		},
		{
			name:    "standard hop count",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "standard", NumTrustedProxies: 1},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 198.51.100.2, 203.0.113.9"},
			want:    "198.51.100.2",
		},
		{
			name:    "standard hop count longer than chain",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "standard", NumTrustedProxies: 5},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 203.0.113.9"},
			want:    "198.51.100.1",
		},
		{
			name: "standard trusted CIDRs walk right to left",
			cfg: config.AnalyticsConfig{
				TrustedProxyMode: "standard",
				TrustedProxies:   []string{"10.0.0.0/8", "172.16.0.0/12"},
			},
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 203.0.113.9, 172.16.0.5, 10.1.1.1"},
			want:    "203.0.113.9",
		},
		{
			name: "standard all trusted returns leftmost",
			cfg: config.AnalyticsConfig{
				TrustedProxyMode: "standard",
				TrustedProxies:   []string{"10.0.0.0/8"},
			},
			headers: map[string]string{"X-Forwarded-For": "10.2.2.2, 10.1.1.1"},
			want:    "10.2.2.2",
		},
		{
			name: "forwarded preferred over xff",
			cfg:  config.AnalyticsConfig{TrustedProxyMode: "standard"},
			headers: map[string]string{
				"Forwarded":       `for=192.0.2.60;proto=http;by=203.0.113.43`,
				"X-Forwarded-For": "198.51.100.1",
			},
			want: "192.0.2.60",
		},
		{
			name:    "forwarded bracketed ipv6 with port",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "standard"},
			headers: map[string]string{"Forwarded": `for="[2001:db8:cafe::17]:4711"`},
			want:    "2001:db8:cafe::17",
		},
		{
			name:    "forwarded ipv4 with port",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "standard"},
			headers: map[string]string{"Forwarded": `for="192.0.2.43:47011", for=198.51.100.17`},
			want:    "198.51.100.17",
		},
		{
			name:    "standard garbage header falls back to socket",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "standard"},
			headers: map[string]string{"X-Forwarded-For": "unknown, not-an-ip"},
			want:    "10.0.0.1",
		},
		{
			name:    "anonymized",
			cfg:     config.AnalyticsConfig{TrustedProxyMode: "cloudflare", IPAnonymization: true},
			headers: map[string]string{"CF-Connecting-IP": "203.0.113.99"},
			want:    "203.0.113.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extract(tt.cfg, "10.0.0.1:5555", tt.headers)
			if got != netip.MustParseAddr(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtract_InvalidCIDRIgnored(t *testing.T) {
	cfg := config.AnalyticsConfig{TrustedProxyMode: "standard", TrustedProxies: []string{"bogus", "10.0.0.0/8"}}
	got := extract(cfg, "10.0.0.1:5555", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.1.1.1"})
	if got != netip.MustParseAddr("203.0.113.9") {
		t.Errorf("got %s", got)
	}
}

func TestExtract_IPv6Socket(t *testing.T) {
	got := extract(config.AnalyticsConfig{}, "[2001:db8::1]:443", nil)
	if got != netip.MustParseAddr("2001:db8::1") {
		t.Errorf("got %s", got)
	}
}

func TestAnonymize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"192.168.1.100", "192.168.1.0"},
		{"2001:db8:1234:5678::1", "2001:db8:1234::"},
		{"2001:db8::1234:5678", "2001:db8::"},
	}
	for _, tt := range tests {
		if got := Anonymize(netip.MustParseAddr(tt.in)); got != netip.MustParseAddr(tt.want) {
			t.Errorf("Anonymize(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if got := Anonymize(netip.Addr{}); got.IsValid() {
		t.Errorf("zero address should stay invalid, got %s", got)
	}
}
