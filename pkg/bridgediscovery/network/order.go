package network

import "net"

// CommonOctets are last octets consumer routers commonly hand out first or
// reserve for appliances. They are probed right after the gateway.
var CommonOctets = []byte{2, 3, 4, 5, 10, 20, 50, 100, 101, 102, 150, 200, 254}

// ProbeOrder splits the subnet's hosts into the priority list (gateway, then
// common octets inside the local /24) and the remaining range. The local
// address is never included.
func ProbeOrder(s *Subnet, gateway net.IP, common []byte) (priority, rest []net.IP) {
	seen := make(map[uint32]bool)
	local := s.Local.To4()
	if local != nil {
		seen[ipToUint32(local)] = true
	}

	hosts := EnumerateNet(s.Net)
	inRange := make(map[uint32]bool, len(hosts))
	for _, h := range hosts {
		inRange[ipToUint32(h)] = true
	}

	add := func(ip net.IP) {
		ip4 := ip.To4()
		if ip4 == nil {
			return
		}
		u := ipToUint32(ip4)
		if seen[u] || !inRange[u] {
			return
		}
		seen[u] = true
		priority = append(priority, ip4)
	}

	if gateway != nil {
		add(gateway)
	}
	if local != nil {
		base := ipToUint32(local) &^ 0xff
		for _, o := range common {
			add(uint32ToIP(base | uint32(o)))
		}
	}

	for _, h := range hosts {
		if !seen[ipToUint32(h)] {
			rest = append(rest, h)
		}
	}
	return priority, rest
}
