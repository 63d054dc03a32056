package mdns

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

// Registration is a service instance announced on the local network.
type Registration interface {
	Shutdown()
}

// Register announces instance under service on port. Callers must Shutdown
// the returned registration.
func Register(instance, service string, port int, txt []string) (Registration, error) {
	server, err := zeroconf.Register(instance, service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return server, nil
}

// Find waits until the named instance of service is resolved on the local
// network, or ctx is done.
func Find(ctx context.Context, instance, service string) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	seen := make(chan struct{}, 1)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range entries {
			if e.Instance == instance {
				select {
				case seen <- struct{}{}:
				default:
				}
			}
		}
	}()
	defer func() {
		cancel()
		<-drained
	}()

	if err := resolver.Lookup(ctx, instance, service, Domain, entries); err != nil {
		return fmt.Errorf("mdns lookup: %w", err)
	}

	select {
	case <-seen:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
