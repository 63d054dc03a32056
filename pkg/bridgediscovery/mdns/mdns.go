// Package mdns provides the DNS-SD side of bridge discovery:
//   - browsing for _hue._tcp announcements (zeroconf)
//   - resolving .local host names with a one-shot multicast A query (miekg/dns)
//   - registering a short-lived service instance, used to exercise the local
//     network permission
package mdns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

const (
	// ServiceType is the DNS-SD service bridges announce.
	ServiceType = "_hue._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// Port is the mDNS port
	Port = 5353
	// MulticastAddr is the mDNS multicast address
	MulticastAddr = "224.0.0.251"
)

// Browser streams DNS-SD announcements as candidates.
type Browser struct {
	Service string
	Domain  string
}

// NewBrowser browses for bridges.
func NewBrowser() *Browser {
	return &Browser{Service: ServiceType, Domain: Domain}
}

// Browse sends a candidate for every announcement until ctx is done, then
// closes out. Candidates whose Address is a host name still need resolving.
func (b *Browser) Browse(ctx context.Context, out chan<- bridgediscovery.Candidate) error {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentMDNS)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		close(out)
		return fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for entry := range entries {
			c, ok := EntryToCandidate(entry)
			if !ok {
				continue
			}
			log.Debug().Str("instance", entry.Instance).Str("addr", c.Address).Str("id", c.RawIdentifier).Msg("announcement")
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}
	}()

	if err := resolver.Browse(ctx, b.Service, b.Domain, entries); err != nil {
		// zeroconf closes entries once its receive loop exits
		<-done
		return fmt.Errorf("mdns browse: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	<-done
	return nil
}

// EntryToCandidate converts a resolved service entry. IPv4 addresses are
// preferred; with no address at all the entry's host name is used.
func EntryToCandidate(entry *zeroconf.ServiceEntry) (bridgediscovery.Candidate, bool) {
	if entry == nil {
		return bridgediscovery.Candidate{}, false
	}
	c := bridgediscovery.Candidate{
		Port:       entry.Port,
		Method:     bridgediscovery.MethodService,
		ObservedAt: time.Now(),
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		c.Address = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		c.Address = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		c.Address = entry.HostName
	default:
		return bridgediscovery.Candidate{}, false
	}
	if c.Port <= 0 {
		c.Port = bridgediscovery.DefaultPort
	}

	txt := ParseTXT(entry.Text)
	c.RawIdentifier = txt["bridgeid"]
	return c, true
}

// ParseTXT splits key=value TXT strings. Keys are lower-cased.
func ParseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if !ok {
			continue
		}
		m[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return m
}

// IsHostName reports whether addr needs resolving before it can be probed.
func IsHostName(addr string) bool {
	return addr != "" && net.ParseIP(addr) == nil
}
