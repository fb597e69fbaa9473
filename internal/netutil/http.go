// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// Proxy headers consulted by [ClientIP], most specific first.
const (
	HeaderCFConnectingIP = "CF-Connecting-IP"
	HeaderXForwardedFor  = "X-Forwarded-For"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// RemoteIP returns the host part of a net/http RemoteAddr.
func RemoteIP(remoteAddr string) string {
	return NormalizeHost(remoteAddr)
}

// ClientIP resolves the client identity for r. Proxy headers are only honored
// when trustProxy is set: CF-Connecting-IP first, then the left-most
// X-Forwarded-For entry, then the TCP peer.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := NormalizeHost(r.Header.Get(HeaderCFConnectingIP)); ip != "" {
			return ip
		}
		if xff := r.Header.Get(HeaderXForwardedFor); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := NormalizeHost(first); ip != "" {
				return ip
			}
		}
	}
	return RemoteIP(r.RemoteAddr)
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
