package web

import (
	"fmt"
	"net/netip"
	"strings"
)

var loopbackPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// CIDRAllowlist restricts which remote hosts may reach the API. A nil
// allowlist admits everyone.
type CIDRAllowlist struct {
	prefixes []netip.Prefix
}

// ParseCIDRAllowlist accepts CIDRs, bare addresses and "localhost". Entries
// may themselves be comma-separated. It returns nil when nothing is listed.
func ParseCIDRAllowlist(entries []string) (*CIDRAllowlist, error) {
	var prefixes []netip.Prefix
	for _, entry := range entries {
		for _, field := range strings.Split(entry, ",") {
			field = strings.TrimSpace(field)
			switch {
			case field == "":
			case strings.EqualFold(field, "localhost"):
				prefixes = append(prefixes, loopbackPrefixes...)
			default:
				prefix, err := parseAllowlistEntry(field)
				if err != nil {
					return nil, err
				}
				prefixes = append(prefixes, prefix)
			}
		}
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &CIDRAllowlist{prefixes: prefixes}, nil
}

// Allows reports whether host, an address without a port, is listed.
// IPv4-mapped IPv6 addresses match their IPv4 form.
func (a *CIDRAllowlist) Allows(host string) bool {
	if a == nil {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	addr = addr.WithZone("").Unmap()
	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *CIDRAllowlist) String() string {
	if a == nil {
		return "*"
	}
	parts := make([]string, len(a.prefixes))
	for i, p := range a.prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

func parseAllowlistEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid allowlist prefix %q", entry)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowlist address %q", entry)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
