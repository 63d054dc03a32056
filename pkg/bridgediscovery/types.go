// Package bridgediscovery locates a smart-lighting bridge on the local network
// and keeps a live connection to it. Discovery combines several independent
// strategies that run concurrently:
//   - DNS-SD (_hue._tcp) and SSDP announcements
//   - a prioritised HTTP probe sweep of the local subnet
//   - the vendor cloud registry, when searching for a specific bridge id
//
// The sub-packages hold one component each; this package carries the types
// they share.
package bridgediscovery

import (
	"strings"
	"time"
)

// DiscoveryMethod identifies the strategy that produced a result.
type DiscoveryMethod string

const (
	MethodService    DiscoveryMethod = "service"    // DNS-SD / SSDP announcement
	MethodSubnetScan DiscoveryMethod = "subnetScan" // HTTP probe of the local subnet
	MethodCloud      DiscoveryMethod = "cloud"      // vendor registry lookup
)

// Authority ranks methods by how fresh their view of a device is. Higher wins
// when two strategies disagree about the same bridge.
func (m DiscoveryMethod) Authority() int {
	switch m {
	case MethodSubnetScan:
		return 3
	case MethodService:
		return 2
	case MethodCloud:
		return 1
	default:
		return 0
	}
}

// Candidate is an unverified address reported by a single strategy.
type Candidate struct {
	Address       string
	Port          int
	RawIdentifier string
	Method        DiscoveryMethod
	ObservedAt    time.Time
}

// ConfirmedDevice is a bridge that answered a probe with an identity we accept.
type ConfirmedDevice struct {
	NormalizedID string
	Address      string
	Port         int
	DisplayName  string
	ModelID      string
	Method       DiscoveryMethod
	ObservedAt   time.Time
}

// HostPort returns the address suitable for net.Dial and URLs.
func (d ConfirmedDevice) HostPort() string {
	return JoinHostPort(d.Address, d.Port)
}

// DefaultPort is the bridge's plain HTTP port.
const DefaultPort = 80

// DefaultTimeout bounds a single status request.
const DefaultTimeout = 2 * time.Second

// NormalizeID upper-cases an identifier and strips delimiters so that
// "00:17:88:ff:fe:01:02:03", "001788fffe010203" and "001788-FFFE-010203"
// compare equal.
func NormalizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range strings.ToUpper(id) {
		switch r {
		case ':', '-', '.', '_', ' ', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
