package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProxyConfig_ClientIP(t *testing.T) {
	tests := []struct {
		name       string
		proxy      ProxyConfig
		remoteAddr string
		forwarded  []string
		realIP     string
		want       string
	}{
		{
			name:       "remote address without proxy",
			remoteAddr: "198.51.100.20:40112",
			want:       "198.51.100.20",
		},
		{
			name:       "forwarding headers ignored without trust",
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"203.0.113.9"},
			realIP:     "203.0.113.10",
			want:       "10.0.0.1",
		},
		{
			name:       "single trusted proxy",
			proxy:      ProxyConfig{TrustProxy: true},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"203.0.113.9, 10.0.0.2"},
			want:       "203.0.113.9",
		},
		{
			name:       "spoofed hop left of the client",
			proxy:      ProxyConfig{TrustProxy: true, TrustedProxyCount: 1},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"1.2.3.4, 203.0.113.9, 10.0.0.2"},
			want:       "203.0.113.9",
		},
		{
			name:       "two trusted proxies",
			proxy:      ProxyConfig{TrustProxy: true, TrustedProxyCount: 2},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"203.0.113.9, 10.0.0.2, 10.0.0.3"},
			want:       "203.0.113.9",
		},
		{
			name:       "more trusted proxies than hops",
			proxy:      ProxyConfig{TrustProxy: true, TrustedProxyCount: 5},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"203.0.113.9"},
			want:       "203.0.113.9",
		},
		{
			name:       "repeated header lines form one list",
			proxy:      ProxyConfig{TrustProxy: true},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"203.0.113.9", "10.0.0.2"},
			want:       "203.0.113.9",
		},
		{
			name:       "blank hops skipped",
			proxy:      ProxyConfig{TrustProxy: true},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{" 203.0.113.9 ,, 10.0.0.2 "},
			want:       "203.0.113.9",
		},
		{
			name:       "invalid hop falls back to X-Real-IP",
			proxy:      ProxyConfig{TrustProxy: true},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"unknown, 10.0.0.2"},
			realIP:     "203.0.113.10",
			want:       "203.0.113.10",
		},
		{
			name:       "X-Forwarded-For preferred over X-Real-IP",
			proxy:      ProxyConfig{TrustProxy: true},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"203.0.113.9"},
			realIP:     "203.0.113.10",
			want:       "203.0.113.9",
		},
		{
			name:       "invalid headers fall back to the remote address",
			proxy:      ProxyConfig{TrustProxy: true},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"not-an-ip"},
			realIP:     "also-not",
			want:       "10.0.0.1",
		},
		{
			name:       "IPv6 remote address",
			remoteAddr: "[2001:db8::1]:40112",
			want:       "2001:db8::1",
		},
		{
			name:       "IPv4-mapped remote address",
			remoteAddr: "[::ffff:198.51.100.20]:40112",
			want:       "198.51.100.20",
		},
		{
			name:       "IPv4-mapped forwarded hop",
			proxy:      ProxyConfig{TrustProxy: true},
			remoteAddr: "10.0.0.1:40112",
			forwarded:  []string{"::ffff:203.0.113.9, 10.0.0.2"},
			want:       "203.0.113.9",
		},
		{
			name:       "remote address without port",
			remoteAddr: "198.51.100.20",
			want:       "198.51.100.20",
		},
		{
			name:       "unparseable remote address kept as is",
			remoteAddr: "pipe",
			want:       "pipe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := tt.proxy.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
