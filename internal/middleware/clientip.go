package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vyrodovalexey/emsgw/internal/config"
)

// ClientIPExtractor derives the address a request came from. The
// X-Forwarded-For chain is only believed when the peer is a trusted proxy.
type ClientIPExtractor struct {
	trusted []netip.Prefix
}

// NewClientIPExtractor builds an extractor trusting the given proxies,
// each a CIDR or a bare address. Entries that do not parse are skipped;
// configuration validation reports them before they get here.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	e := &ClientIPExtractor{}
	for _, entry := range trustedProxies {
		if prefix, err := config.ParseTrustedProxy(entry); err == nil {
			e.trusted = append(e.trusted, prefix)
		}
	}
	return e
}

// Extract returns the client address of r.
//
// Without trusted proxies, or when the peer is not one of them, the peer
// address is used. Otherwise X-Forwarded-For is walked right to left and
// the first untrusted hop wins; a chain of trusted hops yields the peer.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if !e.isTrusted(peer) {
		return peer
	}

	hops := strings.Split(r.Header.Get(HeaderXForwardedFor), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !e.isTrusted(hop) {
			return hop
		}
	}
	return peer
}

func (e *ClientIPExtractor) isTrusted(ip string) bool {
	if len(e.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range e.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
