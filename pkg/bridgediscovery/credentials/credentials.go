// Package credentials stores what is needed to reconnect to a paired bridge.
package credentials

import (
	"errors"
	"sync"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

// ErrInvalidRecord is returned by Set for records without a device id.
var ErrInvalidRecord = errors.New("credentials: record has no device id")

// Record is the persisted pairing.
type Record struct {
	DeviceID         string `json:"deviceId"         yaml:"device_id"`
	LastKnownAddress string `json:"lastKnownAddress" yaml:"last_known_address"`
	SecretKey        string `json:"-"                yaml:"secret_key,omitempty"`
}

// Store persists at most one record. Get returns nil, nil when empty.
type Store interface {
	Get() (*Record, error)
	Set(Record) error
	Clear() error
}

func validate(r Record) (Record, error) {
	r.DeviceID = bridgediscovery.NormalizeID(r.DeviceID)
	if r.DeviceID == "" {
		return r, ErrInvalidRecord
	}
	return r, nil
}

// MemoryStore keeps the record in memory.
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

func (m *MemoryStore) Get() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	r := *m.rec
	return &r, nil
}

func (m *MemoryStore) Set(r Record) error {
	r, err := validate(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &r
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}
