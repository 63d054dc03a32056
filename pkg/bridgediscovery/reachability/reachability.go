// Package reachability reports when the host gains or loses a usable network
// path. Linux hosts get kernel link/address notifications over netlink; other
// platforms fall back to polling the interface list.
package reachability

import (
	"context"
	"sync"
	"time"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/network"
)

// DefaultPollInterval is used where no change notifications exist.
const DefaultPollInterval = 5 * time.Second

// Event is a reachability edge.
type Event struct {
	Reachable bool
	At        time.Time
}

// Monitor publishes reachability edges.
type Monitor interface {
	// Subscribe streams edges until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) <-chan Event
	// Reachable reports the last observed state.
	Reachable() bool
}

// NotifyFunc calls kick whenever the network configuration may have changed.
// It blocks until ctx is done.
type NotifyFunc func(ctx context.Context, kick func()) error

// Watcher turns change notifications into edge-triggered events.
type Watcher struct {
	// Check reports whether a usable network path exists.
	Check func() bool
	// Notify produces change notifications; defaults to the platform source.
	Notify       NotifyFunc
	PollInterval time.Duration

	mu        sync.RWMutex
	reachable bool
	known     bool
}

// New creates a watcher over the live interface list.
func New() *Watcher {
	return &Watcher{
		Check:        network.HasActiveInterface,
		PollInterval: DefaultPollInterval,
	}
}

// Reachable reports the last observed state, checking now if nothing was
// observed yet.
func (w *Watcher) Reachable() bool {
	w.mu.RLock()
	r, known := w.reachable, w.known
	w.mu.RUnlock()
	if known {
		return r
	}
	r = w.check()
	w.store(r)
	return r
}

// Subscribe implements Monitor.
func (w *Watcher) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 4)
	kicks := make(chan struct{}, 1)
	kick := func() {
		select {
		case kicks <- struct{}{}:
		default:
		}
	}

	notify := w.Notify
	if notify == nil {
		notify = w.platformNotify
	}

	go func() {
		log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentReachable)
		if err := notify(ctx, kick); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("change notifications stopped, polling")
			_ = w.poll(ctx, kick)
		}
	}()

	go func() {
		defer close(out)
		log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentReachable)
		last := w.check()
		w.store(last)
		for {
			select {
			case <-ctx.Done():
				return
			case <-kicks:
			}
			now := w.check()
			if now == last {
				continue
			}
			last = now
			w.store(now)
			log.Info().Bool("reachable", now).Msg("network reachability changed")
			select {
			case out <- Event{Reachable: now, At: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (w *Watcher) check() bool {
	if w.Check == nil {
		return network.HasActiveInterface()
	}
	return w.Check()
}

func (w *Watcher) store(r bool) {
	w.mu.Lock()
	w.reachable, w.known = r, true
	w.mu.Unlock()
}

// poll kicks on a fixed interval.
func (w *Watcher) poll(ctx context.Context, kick func()) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			kick()
		}
	}
}
