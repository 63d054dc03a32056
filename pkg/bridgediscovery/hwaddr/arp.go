//go:build linux || darwin || freebsd || netbsd || openbsd

package hwaddr

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/j-keck/arping"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

// DefaultARPTimeout is the default timeout for ARP lookups.
const DefaultARPTimeout = 1 * time.Second

// ErrIPv6NotSupported is returned when attempting ARP on an IPv6 address.
var ErrIPv6NotSupported = errors.New("ARP is not supported for IPv6 addresses")

// arping keeps its timeout in a package variable.
var arpingMu sync.Mutex

// ARPResolver resolves IPv4 addresses to MAC addresses with ARP requests.
// Sending raw ARP usually needs elevated privileges; callers treat errors as
// "unknown", not as a negative answer.
type ARPResolver struct {
	Timeout time.Duration
}

// NewARPResolver creates a resolver with defaults.
func NewARPResolver() *ARPResolver {
	return &ARPResolver{Timeout: DefaultARPTimeout}
}

// ResolveMAC returns the MAC address answering for ip.
func (a *ARPResolver) ResolveMAC(ctx context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", errors.New("invalid IP address")
	}
	if parsed.To4() == nil {
		return "", ErrIPv6NotSupported
	}

	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentHWAddr)

	type arpResponse struct {
		mac net.HardwareAddr
		err error
	}
	responseChan := make(chan arpResponse, 1)

	go func() {
		arpingMu.Lock()
		defer arpingMu.Unlock()
		arping.SetTimeout(a.Timeout)
		mac, _, err := arping.Ping(parsed)
		responseChan <- arpResponse{mac: mac, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case resp := <-responseChan:
		if resp.err != nil {
			log.Debug().Str("ip", ip).Err(resp.err).Msg("arp lookup failed")
			return "", resp.err
		}
		log.Debug().Str("ip", ip).Str("mac", resp.mac.String()).Msg("arp resolved")
		return resp.mac.String(), nil
	}
}
