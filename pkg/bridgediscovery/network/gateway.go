package network

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strings"
)

var errNoDefaultRoute = errors.New("no default route")

// DefaultGateway returns the default gateway for the subnet's interface. When
// the platform route table is unavailable or points outside the subnet, the
// first host address of the subnet is assumed.
func DefaultGateway(s *Subnet) net.IP {
	if gw, err := platformGateway(s.Interface); err == nil && s.Net.Contains(gw) {
		return gw
	}
	return FirstHost(s.Net)
}

// FirstHost returns network+1.
func FirstHost(n *net.IPNet) net.IP {
	base := n.IP.To4()
	if base == nil {
		return nil
	}
	return uint32ToIP(ipToUint32(base)&ipToUint32(net.IP(n.Mask).To4()) + 1)
}

// parseRouteTable reads the /proc/net/route format and returns the gateway
// of the default route on iface (any interface when iface is empty).
func parseRouteTable(r io.Reader, iface string) (net.IP, error) {
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false // header
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if iface != "" && fields[0] != iface {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != 4 {
			continue
		}
		// Kernel writes the address in host byte order (little endian).
		u := binary.LittleEndian.Uint32(raw)
		gw := uint32ToIP(u)
		if gw.Equal(net.IPv4zero) {
			continue
		}
		return gw, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errNoDefaultRoute
}
