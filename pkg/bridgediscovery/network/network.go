// Package network provides interface selection, subnet enumeration and the
// probe ordering used by the subnet sweep.
package network

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoActiveInterface is returned when no up, non-loopback interface carries
// an IPv4 address.
var ErrNoActiveInterface = errors.New("no active IPv4 network interface")

// maxSweepPrefix bounds how large a subnet is swept; wider networks are
// narrowed to the /24 around the local address.
const maxSweepPrefix = 22

// Subnet is the local IPv4 network a sweep runs against.
type Subnet struct {
	Interface string
	Local     net.IP
	Net       *net.IPNet
}

// String returns the CIDR form of the subnet.
func (s *Subnet) String() string {
	if s == nil || s.Net == nil {
		return ""
	}
	return s.Net.String()
}

// InterfaceAddrs is a snapshot of one interface and its addresses.
type InterfaceAddrs struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// ListInterfaces snapshots the host's interfaces.
func ListInterfaces() ([]InterfaceAddrs, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]InterfaceAddrs, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, InterfaceAddrs{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return out, nil
}

// ActiveSubnet returns the subnet of the interface most likely to share a LAN
// with the bridge.
func ActiveSubnet() (*Subnet, error) {
	ifaces, err := ListInterfaces()
	if err != nil {
		return nil, err
	}
	return SelectSubnet(ifaces)
}

// HasActiveInterface reports whether any usable IPv4 interface exists.
func HasActiveInterface() bool {
	_, err := ActiveSubnet()
	return err == nil
}

// SelectSubnet picks the best IPv4 subnet: private addresses on up,
// non-loopback interfaces first, tunnels last.
func SelectSubnet(ifaces []InterfaceAddrs) (*Subnet, error) {
	var fallback *Subnet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		for _, addr := range iface.Addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
				continue
			}
			s := &Subnet{Interface: iface.Name, Local: ip4, Net: clampNet(ip4, ipNet.Mask)}
			if IsPrivateIP(ip4) && !isTunnel(iface) {
				return s, nil
			}
			if fallback == nil {
				fallback = s
			}
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoActiveInterface
}

func isTunnel(iface InterfaceAddrs) bool {
	if iface.Flags&net.FlagPointToPoint != 0 {
		return true
	}
	for _, prefix := range []string{"tun", "utun", "wg", "tap", "ppp"} {
		if strings.HasPrefix(iface.Name, prefix) {
			return true
		}
	}
	return false
}

func clampNet(ip net.IP, mask net.IPMask) *net.IPNet {
	ones, bits := mask.Size()
	if bits != 32 || ones < maxSweepPrefix {
		mask = net.CIDRMask(24, 32)
	}
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}

// EnumerateIPs returns all usable host IPs in a CIDR (excludes network and broadcast).
func EnumerateIPs(cidr string) ([]net.IP, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	return EnumerateNet(ipnet), nil
}

// EnumerateNet is EnumerateIPs for an already parsed network.
func EnumerateNet(n *net.IPNet) []net.IP {
	var res []net.IP
	base := n.IP.To4()
	if base == nil {
		return res // IPv6 not supported for enumeration
	}
	mask := net.IP(n.Mask).To4()
	if mask == nil {
		return res
	}
	network := ipToUint32(base) & ipToUint32(mask)
	broadcast := network | ^ipToUint32(mask)
	for u := network + 1; u < broadcast; u++ {
		res = append(res, uint32ToIP(u))
	}
	return res
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(u uint32) net.IP {
	return net.IPv4(byte(u>>24), byte(u>>16), byte(u>>8), byte(u)).To4()
}

// IsPrivateIP checks if an IP address is in private (RFC 1918) address space.
func IsPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 10 || // 10.0.0.0/8
			(ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31) || // 172.16.0.0/12
			(ip4[0] == 192 && ip4[1] == 168) // 192.168.0.0/16
	}
	return false
}
