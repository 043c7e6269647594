// Package clientip resolves the address of the client behind a reverse proxy.
package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Headers are consulted in order before RemoteAddr. X-Forwarded-For may list
// several hops; the first valid one is the client.
var Headers = []string{"CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"}

// FromRequest returns the normalized client IP, or "" if none is valid.
// Headers are only trustworthy when a proxy in front of the service sets them.
func FromRequest(r *http.Request) string {
	for _, h := range Headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		for part := range strings.SplitSeq(v, ",") {
			if ip := parse(part); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parse(r.RemoteAddr)
	}
	return parse(host)
}

func parse(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
