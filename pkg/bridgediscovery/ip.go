// Package bridgediscovery: address helpers shared by the probes.
package bridgediscovery

import (
	"net"
	"strconv"
)

// JoinHostPort formats host and port, omitting the default HTTP port.
func JoinHostPort(host string, port int) string {
	if port <= 0 || port == DefaultPort {
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitAddress splits "host" or "host:port" and fills in DefaultPort when the
// port is absent or invalid.
func SplitAddress(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, DefaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return host, DefaultPort
	}
	return host, port
}

// CanonicalAddress returns the canonical string form of an IP address, or the
// input unchanged when it is not an IP literal.
func CanonicalAddress(addr string) string {
	if ip := net.ParseIP(addr); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String()
		}
		return ip.String()
	}
	return addr
}
