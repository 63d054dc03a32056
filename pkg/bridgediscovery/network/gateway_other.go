//go:build !linux

package network

import "net"

// platformGateway has no route table source outside Linux; DefaultGateway
// falls back to the first host of the subnet.
func platformGateway(string) (net.IP, error) {
	return nil, errNoDefaultRoute
}
