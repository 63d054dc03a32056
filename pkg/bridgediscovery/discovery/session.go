package discovery

import (
	"sync"
	"time"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/dedup"
)

// Session is the shared state of one Discover call. Every field is guarded by
// mu; strategies only touch it through the methods below.
type Session struct {
	ID string

	mu          sync.Mutex
	cancelled   bool
	completed   int
	total       int
	failed      int
	netFailed   int
	specific    string
	settle      time.Duration
	settleTimer *time.Timer
	accumulated []bridgediscovery.ConfirmedDevice
	done        chan struct{}
}

func newSession(id, specific string, total int, settle time.Duration) *Session {
	return &Session{
		ID:       id,
		total:    total,
		specific: bridgediscovery.NormalizeID(specific),
		settle:   settle,
		done:     make(chan struct{}),
	}
}

// ShouldStop is handed to strategies as their cooperative cancellation flag.
func (s *Session) ShouldStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Cancel stops the session. Later results are discarded.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}

// Add folds a validated device into the session. It returns false when the
// session was already over.
//
// The first unique device starts the settle window. If the session still
// holds exactly one device when the window closes, it ends without waiting
// for the remaining strategies. A device matching the specific identifier ends
// it at once.
func (s *Session) Add(dev bridgediscovery.ConfirmedDevice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.accumulated = dedup.Merge(append(s.accumulated, dev))
	switch {
	case s.specific != "" && bridgediscovery.NormalizeID(dev.NormalizedID) == s.specific:
		s.finishLocked()
	case len(s.accumulated) == 1 && s.settleTimer == nil:
		if s.settle <= 0 {
			s.finishLocked()
			break
		}
		s.settleTimer = time.AfterFunc(s.settle, s.settled)
	}
	return true
}

func (s *Session) settled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.accumulated) == 1 {
		s.finishLocked()
	}
}

// StrategyDone records a finished strategy. One unique device at that point
// ends the session, as does the last strategy finishing.
func (s *Session) StrategyDone(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	if err != nil {
		s.failed++
		if bridgediscovery.KindOf(err) == bridgediscovery.KindNetworkUnavailable {
			s.netFailed++
		}
	}
	if len(s.accumulated) == 1 || s.completed >= s.total {
		s.finishLocked()
	}
}

// Done is closed once the session is over.
func (s *Session) Done() <-chan struct{} { return s.done }

// Devices returns a copy of the accumulated devices.
func (s *Session) Devices() []bridgediscovery.ConfirmedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bridgediscovery.ConfirmedDevice(nil), s.accumulated...)
}

// Len reports how many distinct devices were accumulated.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accumulated)
}

// noNetwork reports whether every strategy failed and at least one of them
// for lack of a network path.
func (s *Session) noNetwork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.netFailed > 0 && s.failed == s.total
}

func (s *Session) finishLocked() {
	if s.cancelled {
		return
	}
	s.cancelled = true
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	close(s.done)
}
