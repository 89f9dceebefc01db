package detection

import (
	"net"
	"strings"
)

// IPPrefix coarsens an address to its /24 (IPv4) or /48 (IPv6) network so
// context hashes never carry a full client address.
func IPPrefix(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String() + "/48"
}
