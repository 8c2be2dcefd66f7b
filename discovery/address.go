package discovery

import (
	"net"
	"strconv"
	"strings"
)

// PickAddress selects a usable address from the resolved record set. IPv4 is
// preferred over IPv6, and link-local addresses are never usable: they point
// at a transient autoconfiguration address that will not survive the host
// getting a real lease.
func PickAddress(v4, v6 []net.IP) (string, bool) {
	for _, ip := range v4 {
		if UsableAddress(ip) {
			return ip.String(), true
		}
	}
	for _, ip := range v6 {
		if UsableAddress(ip) {
			return ip.String(), true
		}
	}
	return "", false
}

// UsableAddress reports whether an IP is worth connecting to.
func UsableAddress(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() {
		return false
	}
	// 169.254.0.0/16 and fe80::/10
	if ip.IsLinkLocalUnicast() {
		return false
	}
	return true
}

// HostPort joins an address and port into a dialable host:port, bracketing
// IPv6 literals.
func HostPort(address string, port int) string {
	if strings.Contains(address, ":") && !strings.HasPrefix(address, "[") {
		return "[" + address + "]:" + strconv.Itoa(port)
	}
	return address + ":" + strconv.Itoa(port)
}
