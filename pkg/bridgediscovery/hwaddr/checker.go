package hwaddr

import (
	"context"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

// MACResolver resolves an IPv4 address to a MAC address.
type MACResolver interface {
	ResolveMAC(ctx context.Context, ip string) (string, error)
}

// VendorLookup maps a MAC address to its manufacturer.
type VendorLookup interface {
	Lookup(mac string) (string, error)
}

// VendorChecker cross-checks that a host's network interface was made by a
// bridge vendor.
type VendorChecker struct {
	Resolver MACResolver
	Vendors  VendorLookup
	Markers  []string
}

// NewVendorChecker wires the ARP resolver to an OUI database file.
func NewVendorChecker(ouiPath string) *VendorChecker {
	return &VendorChecker{
		Resolver: NewARPResolver(),
		Vendors:  NewVendorDB(ouiPath),
		Markers:  DefaultVendorMarkers,
	}
}

// Check resolves ip's MAC and vendor. decided is false when either lookup
// could not be completed (no privileges, no database, unknown prefix), in
// which case ok carries no information.
func (c *VendorChecker) Check(ctx context.Context, ip string) (ok, decided bool) {
	mac, err := c.Resolver.ResolveMAC(ctx, ip)
	if err != nil || mac == "" {
		return false, false
	}
	vendor, err := c.Vendors.Lookup(mac)
	if err != nil || vendor == "" {
		return false, false
	}
	ok = MatchesVendor(vendor, c.Markers)
	bridgediscovery.Logger(ctx, bridgediscovery.ComponentHWAddr).Debug().
		Str("ip", ip).Str("mac", mac).Str("vendor", vendor).Bool("match", ok).
		Msg("vendor check")
	return ok, true
}
