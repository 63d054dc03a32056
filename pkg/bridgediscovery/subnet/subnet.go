// Package subnet finds bridges by probing the hosts of the local IPv4 subnet.
// Addresses where bridges usually live (the gateway's neighbours and a few
// common DHCP octets) are probed first; the rest of the range is swept only
// when that priority pass comes up empty.
package subnet

import (
	"context"
	"net"
	"time"

	"github.com/marcuoli/go-bridgediscovery/internal/scanner"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/dedup"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/network"
)

const (
	// DefaultWorkers bounds concurrent probes.
	DefaultWorkers = 16
	// DefaultRate bounds probe starts per second.
	DefaultRate = 200
)

// Prober is satisfied by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, host string) *bridgediscovery.ConfirmedDevice
}

// Scanner sweeps the local subnet.
type Scanner struct {
	Prober  Prober
	Workers int
	Rate    float64
	Common  []byte

	// Subnet and Gateway default to the live network; tests override them.
	Subnet  func() (*network.Subnet, error)
	Gateway func(*network.Subnet) net.IP
}

// New creates a scanner around p with defaults.
func New(p Prober) *Scanner {
	return &Scanner{
		Prober:  p,
		Workers: DefaultWorkers,
		Rate:    DefaultRate,
		Common:  network.CommonOctets,
		Subnet:  network.ActiveSubnet,
		Gateway: network.DefaultGateway,
	}
}

// Scan probes the subnet and returns every bridge found. shouldStop is checked
// before each probe starts; once it reports true no new probes start and
// results of probes still in flight are discarded. onFound, when non-nil, is
// called for each accepted device as it arrives.
//
// The only error is a *bridgediscovery.Error of KindNetworkUnavailable when
// no usable interface exists.
func (s *Scanner) Scan(ctx context.Context, shouldStop func() bool, onFound func(bridgediscovery.ConfirmedDevice)) ([]bridgediscovery.ConfirmedDevice, error) {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentSubnet)

	subnetFn := s.Subnet
	if subnetFn == nil {
		subnetFn = network.ActiveSubnet
	}
	sn, err := subnetFn()
	if err != nil {
		return nil, bridgediscovery.NewError(bridgediscovery.KindNetworkUnavailable, "subnet scan", "", err)
	}

	gatewayFn := s.Gateway
	if gatewayFn == nil {
		gatewayFn = network.DefaultGateway
	}
	common := s.Common
	if common == nil {
		common = network.CommonOctets
	}
	priority, rest := network.ProbeOrder(sn, gatewayFn(sn), common)

	if shouldStop == nil {
		shouldStop = func() bool { return false }
	}
	opts := scanner.Options{
		Workers:    s.Workers,
		Rate:       s.Rate,
		ShouldStop: shouldStop,
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	var found dedup.Set
	probe := func(ctx context.Context, ip net.IP) (bridgediscovery.ConfirmedDevice, bool) {
		d := s.Prober.Probe(ctx, ip.String())
		if d == nil {
			return bridgediscovery.ConfirmedDevice{}, false
		}
		return *d, true
	}
	emit := func(d bridgediscovery.ConfirmedDevice) {
		d.Method = bridgediscovery.MethodSubnetScan
		found.Add(d)
		if onFound != nil {
			onFound(d)
		}
	}

	start := time.Now()
	log.Debug().Str("subnet", sn.String()).Int("priority", len(priority)).Int("rest", len(rest)).Msg("scan started")

	_ = scanner.Sweep(ctx, priority, opts, probe, emit)
	if found.Len() == 0 && !shouldStop() && ctx.Err() == nil {
		_ = scanner.Sweep(ctx, rest, opts, probe, emit)
	}

	devices := found.Devices()
	log.Debug().Int("found", len(devices)).Dur("took", time.Since(start)).Msg("scan finished")
	return devices, nil
}
