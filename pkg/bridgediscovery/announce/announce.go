// Package announce listens for bridges announcing themselves (DNS-SD and
// SSDP) and confirms each announcement with a status probe.
package announce

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/mdns"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/ssdp"
)

const (
	// DefaultLifetime bounds one Browse call.
	DefaultLifetime = 6 * time.Second
	// DefaultResolveTimeout bounds resolution of one announced host name.
	DefaultResolveTimeout = 2 * time.Second
	// DefaultConcurrency bounds announcements being confirmed at once.
	DefaultConcurrency = 4
)

// Source streams announcements into out and closes out when it returns.
type Source interface {
	Browse(ctx context.Context, out chan<- bridgediscovery.Candidate) error
}

// HostResolver turns an announced host name into an address.
type HostResolver interface {
	ResolveHost(ctx context.Context, host string) (net.IP, error)
}

// Prober is satisfied by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, host string) *bridgediscovery.ConfirmedDevice
}

// Client confirms announced bridges.
type Client struct {
	Sources        []Source
	Resolver       HostResolver
	Prober         Prober
	Lifetime       time.Duration
	ResolveTimeout time.Duration
	Concurrency    int
}

// New creates a client listening to DNS-SD and SSDP.
func New(p Prober) *Client {
	return &Client{
		Sources:        []Source{mdns.NewBrowser(), ssdp.NewSearcher()},
		Resolver:       mdns.NewHostResolver(),
		Prober:         p,
		Lifetime:       DefaultLifetime,
		ResolveTimeout: DefaultResolveTimeout,
		Concurrency:    DefaultConcurrency,
	}
}

// Browse listens for at most Lifetime. The first announcement confirmed by
// the prober is passed to onFound, exactly once, and browsing stops. Devices
// confirmed after shouldStop reports true are dropped.
//
// Browse returns the confirmed device, or nil. It fails with
// KindNetworkUnavailable only when every source failed to start.
func (c *Client) Browse(ctx context.Context, shouldStop func() bool, onFound func(bridgediscovery.ConfirmedDevice)) (*bridgediscovery.ConfirmedDevice, error) {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentAnnounce)

	lifetime := c.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	ctx, cancel := context.WithTimeout(ctx, lifetime)
	defer cancel()
	if shouldStop == nil {
		shouldStop = func() bool { return false }
	}

	cands := make(chan bridgediscovery.Candidate)
	var (
		srcWG sync.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for _, src := range c.Sources {
		ch := make(chan bridgediscovery.Candidate)
		srcWG.Add(2)
		go func() {
			defer srcWG.Done()
			if err := src.Browse(ctx, ch); err != nil {
				log.Debug().Err(err).Msg("source failed")
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}()
		go func() {
			defer srcWG.Done()
			for cand := range ch {
				select {
				case cands <- cand:
				case <-ctx.Done():
				}
			}
		}()
	}
	go func() {
		srcWG.Wait()
		close(cands)
	}()

	var (
		once  sync.Once
		found *bridgediscovery.ConfirmedDevice
	)
	report := func(dev bridgediscovery.ConfirmedDevice) {
		if shouldStop() {
			return
		}
		once.Do(func() {
			found = &dev
			log.Debug().Str("id", dev.NormalizedID).Str("addr", dev.Address).Msg("announced bridge confirmed")
			if onFound != nil {
				onFound(dev)
			}
			cancel()
		})
	}

	var g errgroup.Group
	limit := c.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g.SetLimit(limit)

	seen := make(map[string]bool)
	for cand := range cands {
		if shouldStop() || ctx.Err() != nil {
			continue
		}
		key := cand.Address + "|" + strconv.Itoa(cand.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		g.Go(func() error {
			c.confirm(ctx, cand, report)
			return nil
		})
	}
	_ = g.Wait()

	if found != nil {
		return found, nil
	}
	if len(c.Sources) > 0 && len(errs) == len(c.Sources) {
		return nil, bridgediscovery.NewError(bridgediscovery.KindNetworkUnavailable, "browse", "", errors.Join(errs...))
	}
	return nil, nil
}

func (c *Client) confirm(ctx context.Context, cand bridgediscovery.Candidate, report func(bridgediscovery.ConfirmedDevice)) {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentAnnounce)

	host := cand.Address
	if mdns.IsHostName(host) {
		if c.Resolver == nil {
			return
		}
		timeout := c.ResolveTimeout
		if timeout <= 0 {
			timeout = DefaultResolveTimeout
		}
		rctx, rcancel := context.WithTimeout(ctx, timeout)
		ip, err := c.Resolver.ResolveHost(rctx, host)
		rcancel()
		if err != nil || ip == nil {
			log.Debug().Str("host", host).Err(err).Msg("unresolved announcement skipped")
			return
		}
		host = ip.String()
	}

	// DNS-SD advertises the TLS port; the status endpoint is plain HTTP.
	port := cand.Port
	if port == 443 {
		port = bridgediscovery.DefaultPort
	}
	dev := c.Prober.Probe(ctx, bridgediscovery.JoinHostPort(host, port))
	if dev == nil {
		return
	}
	dev.Method = bridgediscovery.MethodService
	if id := bridgediscovery.NormalizeID(cand.RawIdentifier); id != "" && id != dev.NormalizedID {
		log.Debug().Str("announced", id).Str("reported", dev.NormalizedID).Msg("identifier mismatch, trusting status")
	}
	report(*dev)
}
