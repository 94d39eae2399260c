package middleware

import (
	"net"
	"net/http"
	"strings"
)

// parseRequestIP reads the peer address. chi's RealIP has already folded
// X-Forwarded-For / X-Real-IP into RemoteAddr when it runs first.
func parseRequestIP(r *http.Request) net.IP {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(strings.Trim(addr, "[]"))
}

func clientIPKey(r *http.Request) string {
	ip := parseRequestIP(r)
	if ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}
