// Package device derives best-effort device fingerprints from connection metadata.
package device

import (
	"net"
	"net/http"
	"strings"
)

// ConnMeta is the connection metadata a fingerprint is derived from
type ConnMeta struct {
	RemoteAddr     string
	UserAgent      string
	Accept         string
	AcceptLanguage string
	AcceptEncoding string
}

// MetaFromRequest extracts ConnMeta from an inbound request. Forwarding headers are only
// honoured when trustForwarded is set (the portal sits behind a reverse proxy).
func MetaFromRequest(r *http.Request, trustForwarded bool) ConnMeta {
	addr := r.RemoteAddr
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			addr = strings.TrimSpace(strings.Split(fwd, ",")[0])
		} else if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			addr = strings.TrimSpace(realIP)
		}
	}
	return ConnMeta{
		RemoteAddr:     addr,
		UserAgent:      r.UserAgent(),
		Accept:         r.Header.Get("Accept"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// Address returns the NAT-normalized remote address of the connection
func (m ConnMeta) Address() string {
	return NormalizeAddress(m.RemoteAddr)
}

// NormalizeAddress strips the port, unwraps IPv4-mapped IPv6 and canonicalises the text form
// so the same client always yields the same address string.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.Trim(addr, "[]")
	if i := strings.IndexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return strings.ToLower(addr)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
