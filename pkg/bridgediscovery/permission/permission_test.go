package permission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

type fakeProber struct {
	calls atomic.Int32
	err   error
	block bool
}

func (f *fakeProber) ProbeLocalNetwork(ctx context.Context) error {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func gate(p Prober, iface bool) *Gate {
	return &Gate{Timeout: time.Second, Prober: p, HasInterface: func() bool { return iface }}
}

func TestGrantedIsCached(t *testing.T) {
	p := &fakeProber{}
	g := gate(p, true)

	for i := 0; i < 3; i++ {
		ok, err := g.CheckOrRequest(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), p.calls.Load())

	g.Reset()
	ok, err := g.CheckOrRequest(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestDenied(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "eacces", err: fmt.Errorf("listen udp: %w", syscall.EACCES)},
		{name: "eperm", err: syscall.EPERM},
		{name: "inconclusive", err: errors.New("no multicast route")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProber{err: tt.err}
			g := gate(p, true)

			ok, err := g.CheckOrRequest(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)

			// denial is re-checked
			_, _ = g.CheckOrRequest(context.Background())
			assert.Equal(t, int32(2), p.calls.Load())
		})
	}
}

func TestTimeout(t *testing.T) {
	g := gate(&fakeProber{block: true}, true)
	g.Timeout = 20 * time.Millisecond

	ok, err := g.CheckOrRequest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoInterface(t *testing.T) {
	p := &fakeProber{}
	g := gate(p, false)

	ok, err := g.CheckOrRequest(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, bridgediscovery.ErrNetworkUnavailable)
	assert.Zero(t, p.calls.Load())
}

func TestIsDenied(t *testing.T) {
	assert.True(t, IsDenied(fmt.Errorf("wrap: %w", syscall.EACCES)))
	assert.False(t, IsDenied(errors.New("other")))
	assert.False(t, IsDenied(nil))
}
