package clientip

import (
	"net"
	"net/http"
	"strings"
)

// proxyHeaders are consulted in order before falling back to the TCP peer
// address. X-Forwarded-For may carry a comma-separated chain; the first
// valid entry is the original client.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"}

// GetIP resolves the originating client address of r. Rate-limit buckets for
// anonymous callers are keyed on this value, so the result is always a
// normalized IP, never a raw header string. Returns "" when nothing in the
// request parses as an IP.
func GetIP(r *http.Request) string {
	for _, h := range proxyHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		for part := range strings.SplitSeq(v, ",") {
			if ip := normalize(part); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalize(r.RemoteAddr)
	}
	return normalize(host)
}

// normalize parses s as an IP and returns its canonical form, or "".
func normalize(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
