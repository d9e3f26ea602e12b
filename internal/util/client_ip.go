package util

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of reverse proxies allowed to report the
// original client address.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or single-address entries. No entries returns
// nil, which trusts no proxy.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		prefix, err := parseProxyPrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		prefixes = append(prefixes, prefix)
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

func parseProxyPrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Contains reports whether addr is one of the trusted proxies.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// TrustsPeer reports whether the request arrived directly from a trusted proxy.
func (t *TrustedProxies) TrustsPeer(r *http.Request) bool {
	peer, ok := parseHop(r.RemoteAddr)
	return ok && t.Contains(peer)
}

// ClientIP returns the address per-IP limits and audit events are keyed on.
// Forwarding headers count only when the direct peer is a trusted proxy. The
// rightmost untrusted hop of X-Forwarded-For wins, then the RFC 7239
// Forwarded header, then X-Real-IP.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer, ok := parseHop(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}

	hops := forwardedFor(r.Header.Values("X-Forwarded-For"))
	if len(hops) == 0 {
		hops = forwardedElements(r.Header.Values("Forwarded"))
	}
	if len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			if !trusted.Contains(hops[i]) {
				return hops[i].String()
			}
		}
		return hops[0].String()
	}
	if realIP, ok := parseHop(r.Header.Get("X-Real-IP")); ok {
		return realIP.String()
	}
	return peer.String()
}

// forwardedFor flattens every X-Forwarded-For line, oldest hop first.
func forwardedFor(values []string) []netip.Addr {
	var hops []netip.Addr
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if addr, ok := parseHop(part); ok {
				hops = append(hops, addr)
			}
		}
	}
	return hops
}

// forwardedElements reads the for= parameter of each Forwarded element.
// Obfuscated identifiers such as "unknown" or "_hidden" are skipped.
func forwardedElements(values []string) []netip.Addr {
	var hops []netip.Addr
	for _, value := range values {
		for _, element := range strings.Split(value, ",") {
			for _, pair := range strings.Split(element, ";") {
				key, val, found := strings.Cut(strings.TrimSpace(pair), "=")
				if !found || !strings.EqualFold(key, "for") {
					continue
				}
				if addr, ok := parseHop(val); ok {
					hops = append(hops, addr)
				}
			}
		}
	}
	return hops
}

// parseHop accepts a bare address, an address with port, and the quoted or
// bracketed IPv6 forms used by Forwarded.
func parseHop(raw string) (netip.Addr, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
