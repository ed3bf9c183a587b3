package server

import (
	"net"
	"net/http"
	"strings"
)

// Headers set by the authenticating reverse proxy in front of the shards.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderUser         = "X-Mosaic-User"
	HeaderCountry      = "X-Mosaic-Country"
)

// Identity is who a viewer connection places pixels as.
type Identity struct {
	IP      string
	UserID  string // Empty when unauthenticated
	Country string // ISO 3166 alpha-2, upper case; empty when unknown
}

// identify derives the requester identity from r. Proxy headers are only
// honoured when trustProxy is set.
func identify(r *http.Request, trustProxy bool) Identity {
	id := Identity{IP: remoteIP(r.RemoteAddr)}
	if !trustProxy {
		return id
	}

	if fwd := r.Header.Get(HeaderForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			id.IP = ip
		}
	}
	id.UserID = strings.TrimSpace(r.Header.Get(HeaderUser))
	id.Country = strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderCountry)))
	return id
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
