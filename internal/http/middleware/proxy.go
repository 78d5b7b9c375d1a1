package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyTrust is the set of peers allowed to report the client address in
// X-Forwarded-For. A nil *ProxyTrust trusts nobody.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

// NewProxyTrust parses a list of IPs or CIDR ranges.
func NewProxyTrust(entries []string) (*ProxyTrust, error) {
	const op = "middleware.NewProxyTrust"

	t := &ProxyTrust{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			t.prefixes = append(t.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		addr = addr.Unmap()
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

// Trusts reports whether addr belongs to a trusted proxy.
func (t *ProxyTrust) Trusts(addr netip.Addr) bool {
	if t == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the client address for a request arriving from remote.
// X-Forwarded-For is only consulted when remote is a trusted proxy; it is then
// walked right to left and the first hop that is not itself trusted wins.
func (t *ProxyTrust) Resolve(remote, xff string) string {
	host := remoteHost(remote)
	client, err := netip.ParseAddr(host)
	if err != nil || !t.Trusts(client) || xff == "" {
		return host
	}

	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// Everything left of a malformed entry is unverifiable.
			break
		}
		client = hop.Unmap()
		if !t.Trusts(client) {
			break
		}
	}
	return client.String()
}

// RealIP replaces r.RemoteAddr with the resolved client address so that
// everything downstream, rate limiting included, sees the same value.
func RealIP(trust *ProxyTrust) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.RemoteAddr = trust.Resolve(r.RemoteAddr, r.Header.Get("X-Forwarded-For"))
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
