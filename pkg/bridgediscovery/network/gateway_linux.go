//go:build linux

package network

import (
	"net"
	"os"
)

func platformGateway(iface string) (net.IP, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseRouteTable(f, iface)
}
