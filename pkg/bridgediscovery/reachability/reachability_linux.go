//go:build linux

package reachability

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
)

var errSubscriptionClosed = errors.New("netlink subscription closed")

// platformNotify kicks on every link or address change reported by the kernel.
func (w *Watcher) platformNotify(ctx context.Context, kick func()) error {
	done := make(chan struct{})
	defer close(done)

	links := make(chan netlink.LinkUpdate, 16)
	if err := netlink.LinkSubscribe(links, done); err != nil {
		return fmt.Errorf("link subscribe: %w", err)
	}
	addrs := make(chan netlink.AddrUpdate, 16)
	if err := netlink.AddrSubscribe(addrs, done); err != nil {
		return fmt.Errorf("addr subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-links:
			if !ok {
				return errSubscriptionClosed
			}
			kick()
		case _, ok := <-addrs:
			if !ok {
				return errSubscriptionClosed
			}
			kick()
		}
	}
}
