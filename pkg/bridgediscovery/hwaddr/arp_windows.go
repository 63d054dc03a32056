//go:build windows

package hwaddr

import (
	"context"
	"errors"
	"time"
)

// DefaultARPTimeout is the default timeout for ARP lookups.
const DefaultARPTimeout = 1 * time.Second

// ErrNotSupported is returned when ARP is used on Windows.
var ErrNotSupported = errors.New("ARP resolution is not supported on Windows")

// ARPResolver is a stub on Windows.
type ARPResolver struct {
	Timeout time.Duration
}

// NewARPResolver creates a resolver with defaults.
func NewARPResolver() *ARPResolver {
	return &ARPResolver{Timeout: DefaultARPTimeout}
}

// ResolveMAC always fails on Windows.
func (a *ARPResolver) ResolveMAC(context.Context, string) (string, error) {
	return "", ErrNotSupported
}
