package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/migadu/contactdir/helpers"
)

// realIPExtractor resolves the address a request came from. Forwarding
// headers are only read when the connecting peer is a trusted proxy;
// otherwise the peer address is the client.
type realIPExtractor struct {
	trustedNets []*net.IPNet
}

func newRealIPExtractor(trustedProxies []string) (*realIPExtractor, error) {
	nets, err := helpers.ParseNetworks(trustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxy: %w", err)
	}
	return &realIPExtractor{trustedNets: nets}, nil
}

// clientIP returns the client address of r. Behind trusted proxies it is the
// rightmost X-Forwarded-For hop not added by one of them, then X-Real-IP.
func (x *realIPExtractor) clientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if x == nil || !x.isTrustedProxy(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				return peer
			}
			if !x.isTrustedProxy(hop) {
				return hop
			}
		}
		return strings.TrimSpace(hops[0])
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return peer
}

func (x *realIPExtractor) isTrustedProxy(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range x.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
