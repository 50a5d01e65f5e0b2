// Package access derives the caller's address and enforces the admin login whitelist.
package access

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const headerForwardedFor = "X-Forwarded-For"

// ClientIP returns the caller's address: the trusted proxy header when configured and present,
// then the first X-Forwarded-For hop, then the socket peer. IPv4-mapped IPv6 addresses are unmapped.
func ClientIP(r *http.Request, trustedHeader string) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(trustedHeader); header != "" {
		if ip, ok := firstAddress(r.Header.Get(header)); ok {
			return ip
		}
	}
	if ip, ok := firstAddress(r.Header.Get(headerForwardedFor)); ok {
		return ip
	}
	host := r.RemoteAddr
	if splitHost, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = splitHost
	}
	return Normalize(host)
}

func firstAddress(value string) (string, bool) {
	if value == "" {
		return "", false
	}
	first, _, _ := strings.Cut(value, ",")
	first = strings.TrimSpace(first)
	if first == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(first); err == nil {
		first = host
	}
	addr, err := netip.ParseAddr(strings.Trim(first, "[]"))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// Normalize unmaps IPv4-mapped IPv6 addresses and strips zones; unparsable input is returned trimmed.
func Normalize(ip string) string {
	trimmed := strings.Trim(strings.TrimSpace(ip), "[]")
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return trimmed
	}
	return addr.Unmap().WithZone("").String()
}

// IsPrivate reports whether ip is a private, loopback or link-local address.
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(Normalize(ip))
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}
