// Package permission checks that the process may use the local network.
//
// Some platforms gate multicast and LAN traffic behind a user prompt. The gate
// triggers it the only portable way there is: it advertises a throwaway
// DNS-SD instance and waits to see it come back.
package permission

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/mdns"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/network"
)

const (
	// DefaultTimeout bounds one permission check.
	DefaultTimeout = 30 * time.Second
	// ProbeService is the service type of the throwaway instance.
	ProbeService = "_bridgediscovery-probe._tcp"
	probePort    = 9
)

// Prober exercises local network access. A nil error means access works.
type Prober interface {
	ProbeLocalNetwork(ctx context.Context) error
}

// Gate answers whether local network access is granted.
type Gate struct {
	Timeout      time.Duration
	Prober       Prober
	HasInterface func() bool

	mu      sync.Mutex
	granted bool
}

// New creates a gate backed by DNS-SD.
func New() *Gate {
	return &Gate{
		Timeout:      DefaultTimeout,
		Prober:       ServiceProber{},
		HasInterface: network.HasActiveInterface,
	}
}

// CheckOrRequest returns true once access has been observed to work. Denials,
// timeouts and inconclusive probes return false with a nil error. The only
// error is KindNetworkUnavailable, when no usable interface exists at all.
func (g *Gate) CheckOrRequest(ctx context.Context) (bool, error) {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentPermission)

	g.mu.Lock()
	defer g.mu.Unlock()

	hasIface := g.HasInterface
	if hasIface == nil {
		hasIface = network.HasActiveInterface
	}
	if !hasIface() {
		return false, bridgediscovery.NewError(bridgediscovery.KindNetworkUnavailable, "permission", "", network.ErrNoActiveInterface)
	}
	if g.granted {
		return true, nil
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := g.Prober.ProbeLocalNetwork(pctx)
	switch {
	case err == nil:
		g.granted = true
		log.Debug().Msg("local network access granted")
		return true, nil
	case IsDenied(err):
		log.Warn().Err(err).Msg("local network access denied")
	case errors.Is(err, context.DeadlineExceeded):
		log.Info().Dur("timeout", timeout).Msg("local network access not confirmed in time")
	default:
		log.Info().Err(err).Msg("local network access inconclusive")
	}
	return false, nil
}

// Reset forgets a previous grant.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.granted = false
	g.mu.Unlock()
}

// IsDenied reports whether err is the platform refusing access.
func IsDenied(err error) bool {
	return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM)
}

// ServiceProber registers a throwaway DNS-SD instance and looks it up.
type ServiceProber struct{}

// ProbeLocalNetwork implements Prober. The instance is withdrawn on return.
func (ServiceProber) ProbeLocalNetwork(ctx context.Context) error {
	instance := "bridgediscovery-" + uuid.NewString()[:8]
	reg, err := mdns.Register(instance, ProbeService, probePort, []string{"probe=1"})
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	return mdns.Find(ctx, instance, ProbeService)
}
