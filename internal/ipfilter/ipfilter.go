// Package ipfilter enforces the network-origin allow-list. Origins are
// matched against a set of CIDR prefixes; bare addresses in the config are
// normalized to single-address prefixes (/32 or /128). Client resolution
// honors X-Forwarded-For and X-Real-IP only when the direct peer is a
// trusted proxy, so external clients cannot spoof their origin.
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/relaygate/relaygate/internal/config"
)

// Filter holds the parsed allow-list and trusted-proxy ranges. Immutable
// after construction; hot reloads build a fresh Filter and swap it in.
type Filter struct {
	allowed        []netip.Prefix
	proxies        []netip.Prefix
	allowMalformed bool
}

// New parses the configured CIDR lists into a Filter. Entries may be CIDR
// prefixes ("10.0.0.0/8", "2001:db8::/32") or bare addresses ("10.1.2.3"),
// which are treated as exact-match prefixes. Invalid entries are dropped
// with a warning rather than failing the load: a typo shrinks the
// allow-list, which can only deny more, never admit more.
func New(cfg config.IPFilterConfig, logger *slog.Logger) *Filter {
	return &Filter{
		allowed:        parsePrefixes("ip_filter.allowed", cfg.Allowed, logger),
		proxies:        parsePrefixes("ip_filter.trusted_proxies", cfg.TrustedProxies, logger),
		allowMalformed: cfg.AllowMalformed,
	}
}

func parsePrefixes(field string, entries []string, logger *slog.Logger) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("dropping invalid CIDR entry", "field", field, "entry", entry, "error", err)
				continue
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("dropping invalid address entry", "field", field, "entry", entry, "error", err)
			continue
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes
}

// Allowed reports whether the origin address may call the gateway. An
// empty allow-list admits every origin. The zero Addr (unresolvable
// origin) is denied unless allow_malformed is set.
func (f *Filter) Allowed(addr netip.Addr) bool {
	if !addr.IsValid() {
		return f.allowMalformed
	}
	if len(f.allowed) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr resolves the effective client origin for a request. The
// X-Forwarded-For chain's first entry (the original client) and X-Real-IP
// are consulted only when the direct peer falls inside a trusted-proxy
// range; otherwise the TCP peer address is authoritative. Returns the zero
// Addr when no address can be parsed.
func (f *Filter) ClientAddr(r *http.Request) netip.Addr {
	peer := parseHostPort(r.RemoteAddr)

	if peer.IsValid() && f.trustedProxy(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if addr, err := netip.ParseAddr(first); err == nil {
				return addr.Unmap()
			}
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(realIP)); err == nil {
				return addr.Unmap()
			}
		}
	}

	return peer
}

func (f *Filter) trustedProxy(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range f.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseHostPort extracts the address from a host:port RemoteAddr, falling
// back to parsing the raw value for peers without a port.
func parseHostPort(remoteAddr string) netip.Addr {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
