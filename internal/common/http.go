package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the host part of RemoteAddr. The router runs chi's RealIP
// first, which has already replaced RemoteAddr with the proxy-supplied address
// when one was present; forwarding headers are not consulted again here.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
