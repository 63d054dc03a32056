package dedup

import (
	"sync"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

// Set accumulates devices from concurrent strategies and keeps them merged.
type Set struct {
	mu      sync.Mutex
	devices []bridgediscovery.ConfirmedDevice
}

// Add merges devs into the set and reports the number of distinct bridges
// afterwards.
func (s *Set) Add(devs ...bridgediscovery.ConfirmedDevice) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = Merge(append(s.devices, devs...))
	return len(s.devices)
}

// Devices returns a copy of the merged devices.
func (s *Set) Devices() []bridgediscovery.ConfirmedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bridgediscovery.ConfirmedDevice, len(s.devices))
	copy(out, s.devices)
	return out
}

// Find returns the device with the given identifier.
func (s *Set) Find(id string) (bridgediscovery.ConfirmedDevice, bool) {
	id = bridgediscovery.NormalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if id != "" && d.NormalizedID == id {
			return d, true
		}
	}
	return bridgediscovery.ConfirmedDevice{}, false
}

// Len reports the number of distinct bridges.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}
