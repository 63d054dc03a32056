// Package status carries progress updates from discovery and the connection
// supervisor to whoever renders them.
package status

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

// Update is one snapshot. Empty state fields mean "unchanged by this
// publisher".
type Update struct {
	DiscoveryState  bridgediscovery.DiscoveryState    `json:"discoveryState,omitempty"`
	ConnectionState bridgediscovery.ConnectionState   `json:"connectionState,omitempty"`
	Candidates      []bridgediscovery.ConfirmedDevice `json:"candidates,omitempty"`
	SetupRequired   bool                              `json:"setupRequired,omitempty"`
	Err             error                             `json:"-"`
	SessionID       string                            `json:"sessionId,omitempty"`
	At              time.Time                         `json:"at"`
}

// Sink receives updates. Publish must not block.
type Sink interface {
	Publish(Update)
}

// Discard drops every update.
type Discard struct{}

func (Discard) Publish(Update) {}

// ChannelSink delivers updates on a buffered channel and drops them when the
// reader falls behind.
type ChannelSink struct {
	ch chan Update
}

// NewChannelSink creates a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelSink{ch: make(chan Update, buffer)}
}

func (s *ChannelSink) Publish(u Update) {
	select {
	case s.ch <- u:
	default:
	}
}

// Updates returns the receive side.
func (s *ChannelSink) Updates() <-chan Update { return s.ch }

// LogSink writes updates to a logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(u Update) {
	ev := s.Logger.Info()
	if u.Err != nil {
		ev = s.Logger.Warn().Err(u.Err)
	}
	if u.DiscoveryState != "" {
		ev = ev.Str("discovery", string(u.DiscoveryState))
	}
	if u.ConnectionState != "" {
		ev = ev.Str("connection", string(u.ConnectionState))
	}
	if u.SessionID != "" {
		ev = ev.Str("session", u.SessionID)
	}
	if len(u.Candidates) > 0 {
		ids := make([]string, 0, len(u.Candidates))
		for _, c := range u.Candidates {
			ids = append(ids, c.NormalizedID+"@"+c.HostPort())
		}
		ev = ev.Strs("candidates", ids)
	}
	ev.Bool("setupRequired", u.SetupRequired).Msg("status")
}

// Multi fans an update out to several sinks.
type Multi []Sink

func (m Multi) Publish(u Update) {
	for _, s := range m {
		if s != nil {
			s.Publish(u)
		}
	}
}

// Latest remembers the most recent state of each kind. It backs the admin
// /status endpoint.
type Latest struct {
	mu   sync.RWMutex
	last Update
}

func (l *Latest) Publish(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u.DiscoveryState != "" {
		l.last.DiscoveryState = u.DiscoveryState
		l.last.SessionID = u.SessionID
		l.last.Candidates = append([]bridgediscovery.ConfirmedDevice(nil), u.Candidates...)
	}
	if u.ConnectionState != "" {
		l.last.ConnectionState = u.ConnectionState
		l.last.SetupRequired = u.SetupRequired
	}
	l.last.Err = u.Err
	l.last.At = u.At
}

// Snapshot returns a copy of the merged state.
func (l *Latest) Snapshot() Update {
	l.mu.RLock()
	defer l.mu.RUnlock()
	u := l.last
	u.Candidates = append([]bridgediscovery.ConfirmedDevice(nil), l.last.Candidates...)
	return u
}
