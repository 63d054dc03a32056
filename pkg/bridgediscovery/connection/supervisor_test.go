package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/credentials"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/discovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/reachability"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/status"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeBridge struct {
	mu        sync.Mutex
	calls     map[string]int
	handshake func(addr string, n int) error
	health    func(addr string) HealthResult
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{calls: map[string]int{}}
}

func (b *fakeBridge) Handshake(_ context.Context, dev bridgediscovery.ConfirmedDevice, _ string) error {
	b.mu.Lock()
	b.calls[dev.Address]++
	n := b.calls[dev.Address]
	fn := b.handshake
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(dev.Address, n)
}

func (b *fakeBridge) Health(_ context.Context, dev bridgediscovery.ConfirmedDevice) HealthResult {
	b.mu.Lock()
	fn := b.health
	b.mu.Unlock()
	if fn == nil {
		return HealthOK
	}
	return fn(dev.Address)
}

func (b *fakeBridge) count(addr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[addr]
}

type fakeDiscoverer struct {
	mu    sync.Mutex
	opts  []discovery.Options
	devs  []bridgediscovery.ConfirmedDevice
	err   error
	calls int
}

func (d *fakeDiscoverer) Discover(_ context.Context, opts discovery.Options) ([]bridgediscovery.ConfirmedDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.opts = append(d.opts, opts)
	return d.devs, d.err
}

func (d *fakeDiscoverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeMonitor struct {
	in chan reachability.Event

	mu        sync.Mutex
	reachable bool
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{in: make(chan reachability.Event), reachable: true}
}

func (m *fakeMonitor) Subscribe(ctx context.Context) <-chan reachability.Event {
	out := make(chan reachability.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-m.in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (m *fakeMonitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

func (m *fakeMonitor) send(t *testing.T, reachable bool) {
	t.Helper()
	m.mu.Lock()
	m.reachable = reachable
	m.mu.Unlock()
	select {
	case m.in <- reachability.Event{Reachable: reachable, At: time.Now()}:
	case <-time.After(waitFor):
		t.Fatal("reachability event not consumed")
	}
}

type recordSink struct {
	mu     sync.Mutex
	states []bridgediscovery.ConnectionState
}

func (r *recordSink) Publish(u status.Update) {
	if u.ConnectionState == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.states); n > 0 && r.states[n-1] == u.ConnectionState {
		return
	}
	r.states = append(r.states, u.ConnectionState)
}

func (r *recordSink) seen() []bridgediscovery.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bridgediscovery.ConnectionState(nil), r.states...)
}

func inOrder(got, want []bridgediscovery.ConnectionState) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

var errGone = bridgediscovery.NewError(bridgediscovery.KindUnreachable, "handshake", "", context.DeadlineExceeded)

func bridgeAt(addr string) bridgediscovery.ConfirmedDevice {
	return bridgediscovery.ConfirmedDevice{NormalizedID: "ABC123", Address: addr, Port: bridgediscovery.DefaultPort}
}

func newTestSupervisor(b Bridge, d Discoverer, store credentials.Store) *Supervisor {
	s := New(b, d, store)
	s.HealthInterval = 10 * time.Millisecond
	s.Retry = RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 4}
	return s
}

func startSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
}

func TestSelectConnects(t *testing.T) {
	store := &credentials.MemoryStore{}
	sink := &recordSink{}
	s := newTestSupervisor(newFakeBridge(), nil, store)
	s.HealthInterval = time.Hour
	s.Sink = sink
	startSupervisor(t, s)

	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "secret"))
	assert.Equal(t, bridgediscovery.StateConnected, s.State())

	h, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "192.168.1.23", h.Device.Address)
	assert.Equal(t, "secret", h.SecretKey)

	rec, err := store.Get()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, credentials.Record{DeviceID: "ABC123", LastKnownAddress: "192.168.1.23", SecretKey: "secret"}, *rec)

	assert.Equal(t, []bridgediscovery.ConnectionState{
		bridgediscovery.StateConnecting, bridgediscovery.StateConnected,
	}, sink.seen())
}

func TestSelectOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		state bridgediscovery.ConnectionState
	}{
		{"auth", bridgediscovery.NewError(bridgediscovery.KindAuthenticationRequired, "handshake", "", nil), bridgediscovery.StateNeedsAuthentication},
		{"unreachable", errGone, bridgediscovery.StateDisconnected},
		{"handshake", bridgediscovery.NewError(bridgediscovery.KindHandshakeFailed, "handshake", "", nil), bridgediscovery.StateDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBridge()
			b.handshake = func(string, int) error { return tt.err }
			store := &credentials.MemoryStore{}
			s := newTestSupervisor(b, nil, store)
			startSupervisor(t, s)

			err := s.Select(context.Background(), bridgeAt("192.168.1.23"), "k")
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.state, s.State())
			_, ok := s.Active()
			assert.False(t, ok)

			rec, _ := store.Get()
			assert.Nil(t, rec)
		})
	}
}

func TestSelectBeforeStart(t *testing.T) {
	s := New(newFakeBridge(), nil, nil)
	assert.ErrorIs(t, s.Select(context.Background(), bridgeAt("10.0.0.2"), "k"), ErrNotStarted)
}

// The bridge at .23 stops answering health probes, does not come back on the
// same address and is found again at .40.
func TestReconnectFindsMovedBridge(t *testing.T) {
	b := newFakeBridge()
	var (
		mu     sync.Mutex
		broken bool
	)
	b.health = func(addr string) HealthResult {
		mu.Lock()
		defer mu.Unlock()
		if addr == "192.168.1.23" && broken {
			return HealthClear
		}
		return HealthOK
	}
	b.handshake = func(addr string, n int) error {
		if addr == "192.168.1.23" && n > 1 {
			return errGone
		}
		return nil
	}
	disc := &fakeDiscoverer{devs: []bridgediscovery.ConfirmedDevice{bridgeAt("192.168.1.40")}}
	store := &credentials.MemoryStore{}
	sink := &recordSink{}

	s := newTestSupervisor(b, disc, store)
	s.Sink = sink
	startSupervisor(t, s)

	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"))
	mu.Lock()
	broken = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		h, ok := s.Active()
		return ok && h.Device.Address == "192.168.1.40"
	}, waitFor, tick)

	// initial select plus the direct retry and one backoff retry
	assert.Equal(t, 3, b.count("192.168.1.23"))
	assert.Equal(t, 1, disc.count())
	disc.mu.Lock()
	assert.Equal(t, "ABC123", disc.opts[0].SpecificIdentifier)
	disc.mu.Unlock()

	require.Eventually(t, func() bool {
		rec, err := store.Get()
		return err == nil && rec != nil && rec.LastKnownAddress == "192.168.1.40" && rec.SecretKey == "k"
	}, waitFor, tick)

	assert.True(t, inOrder(sink.seen(), []bridgediscovery.ConnectionState{
		bridgediscovery.StateConnected,
		bridgediscovery.StateReconnecting,
		bridgediscovery.StateSearching,
		bridgediscovery.StateConnected,
	}), "states: %v", sink.seen())
}

func TestSingleReconnectSequence(t *testing.T) {
	release := make(chan struct{})
	b := newFakeBridge()
	b.handshake = func(_ string, n int) error {
		if n == 2 {
			<-release
		}
		return nil
	}
	mon := newFakeMonitor()
	s := newTestSupervisor(b, nil, nil)
	s.HealthInterval = time.Hour
	s.Reachability = mon
	startSupervisor(t, s)
	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reconnect() {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, started)

	require.Eventually(t, func() bool { return b.count("192.168.1.23") == 2 }, waitFor, tick)
	assert.False(t, s.Reconnect())
	assert.Equal(t, bridgediscovery.StateReconnecting, s.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, b.count("192.168.1.23"))

	close(release)
	require.Eventually(t, func() bool { return s.State() == bridgediscovery.StateConnected }, waitFor, tick)
	assert.Equal(t, 2, b.count("192.168.1.23"))
}

func TestPermissionDeniedDuringRediscovery(t *testing.T) {
	b := newFakeBridge()
	b.handshake = func(_ string, n int) error {
		if n > 1 {
			return errGone
		}
		return nil
	}
	disc := &fakeDiscoverer{err: bridgediscovery.NewError(bridgediscovery.KindPermissionDenied, "discover", "", nil)}
	s := newTestSupervisor(b, disc, nil)
	s.HealthInterval = time.Hour
	startSupervisor(t, s)
	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"))

	require.True(t, s.Reconnect())
	require.Eventually(t, func() bool { return s.State() == bridgediscovery.StateFailed }, waitFor, tick)
	assert.Equal(t, 1, disc.count())

	// failed waits for the user
	assert.False(t, s.Reconnect())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, disc.count())
}

func TestReconnectExhausted(t *testing.T) {
	b := newFakeBridge()
	b.handshake = func(_ string, n int) error {
		if n > 1 {
			return errGone
		}
		return nil
	}
	disc := &fakeDiscoverer{err: bridgediscovery.NewError(bridgediscovery.KindNotFound, "discover", "", nil)}
	sink := status.NewChannelSink(64)
	s := newTestSupervisor(b, disc, nil)
	s.HealthInterval = time.Hour
	s.Sink = sink
	startSupervisor(t, s)
	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"))

	require.True(t, s.Reconnect())
	require.Eventually(t, func() bool {
		return s.State() == bridgediscovery.StateDisconnected && s.SetupRequired()
	}, waitFor, tick)

	assert.Equal(t, 4, s.Attempt())
	// direct + one backoff retry on the address, the remaining attempts rediscover
	assert.Equal(t, 3, b.count("192.168.1.23"))
	assert.Equal(t, 3, disc.count())

	var last status.Update
	for len(sink.Updates()) > 0 {
		last = <-sink.Updates()
	}
	assert.True(t, last.SetupRequired)
	assert.Equal(t, bridgediscovery.StateDisconnected, last.ConnectionState)
}

func TestStartSkipResume(t *testing.T) {
	store := &credentials.MemoryStore{}
	require.NoError(t, store.Set(credentials.Record{DeviceID: "abc123", LastKnownAddress: "192.168.1.23", SecretKey: "k"}))
	b := newFakeBridge()
	disc := &fakeDiscoverer{}
	s := newTestSupervisor(b, disc, store)
	s.HealthInterval = time.Hour
	s.SkipResume = true
	startSupervisor(t, s)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, b.count("192.168.1.23"))
	assert.Equal(t, 0, disc.count())
	assert.Equal(t, bridgediscovery.StateDisconnected, s.State())

	// the stored key still serves a Select of the same bridge
	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), ""))
	assert.Equal(t, bridgediscovery.StateConnected, s.State())
	require.Eventually(t, func() bool {
		rec, err := store.Get()
		return err == nil && rec != nil && rec.SecretKey == "k"
	}, waitFor, tick)
}

func TestStartResumesStoredBridge(t *testing.T) {
	store := &credentials.MemoryStore{}
	require.NoError(t, store.Set(credentials.Record{DeviceID: "abc123", LastKnownAddress: "192.168.1.23:8080", SecretKey: "k"}))
	b := newFakeBridge()
	s := newTestSupervisor(b, nil, store)
	s.HealthInterval = time.Hour
	startSupervisor(t, s)

	require.Eventually(t, func() bool { return s.State() == bridgediscovery.StateConnected }, waitFor, tick)
	h, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "ABC123", h.Device.NormalizedID)
	assert.Equal(t, 8080, h.Device.Port)
	assert.Equal(t, 1, b.count("192.168.1.23"))
}

func TestStartWithoutAddressRediscovers(t *testing.T) {
	store := &credentials.MemoryStore{}
	require.NoError(t, store.Set(credentials.Record{DeviceID: "ABC123", SecretKey: "k"}))
	disc := &fakeDiscoverer{devs: []bridgediscovery.ConfirmedDevice{bridgeAt("192.168.1.40")}}
	s := newTestSupervisor(newFakeBridge(), disc, store)
	s.HealthInterval = time.Hour
	startSupervisor(t, s)

	require.Eventually(t, func() bool {
		rec, _ := store.Get()
		return s.State() == bridgediscovery.StateConnected && rec.LastKnownAddress == "192.168.1.40"
	}, waitFor, tick)
}

func TestNetworkDownSuspendsReconnect(t *testing.T) {
	b := newFakeBridge()
	mon := newFakeMonitor()
	s := newTestSupervisor(b, nil, nil)
	s.HealthInterval = time.Hour
	s.Reachability = mon
	startSupervisor(t, s)
	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"))

	mon.send(t, false)
	require.Eventually(t, func() bool { return s.State() == bridgediscovery.StateReconnecting }, waitFor, tick)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, b.count("192.168.1.23"), "no attempt while the network is down")

	mon.send(t, true)
	require.Eventually(t, func() bool { return s.State() == bridgediscovery.StateConnected }, waitFor, tick)
	assert.Equal(t, 2, b.count("192.168.1.23"))
}

func TestRediscoveryWithoutNetwork(t *testing.T) {
	tests := []struct {
		name      string
		reachable bool
		suspended bool
	}{
		{"monitor sees network", true, false},
		{"monitor sees no network", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBridge()
			b.handshake = func(_ string, n int) error {
				if n > 1 {
					return errGone
				}
				return nil
			}
			disc := &fakeDiscoverer{err: bridgediscovery.NewError(bridgediscovery.KindNetworkUnavailable, "discover", "", nil)}
			mon := newFakeMonitor()
			s := newTestSupervisor(b, disc, nil)
			s.HealthInterval = time.Hour
			s.Reachability = mon
			startSupervisor(t, s)
			require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"))

			// the link drops without an edge reaching the supervisor
			mon.mu.Lock()
			mon.reachable = tt.reachable
			mon.mu.Unlock()
			require.True(t, s.Reconnect())

			if !tt.suspended {
				require.Eventually(t, s.SetupRequired, waitFor, tick)
				assert.Equal(t, 3, disc.count())
				return
			}
			require.Eventually(t, func() bool { return disc.count() == 1 }, waitFor, tick)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, 1, disc.count(), "no attempt while the network is down")
			assert.False(t, s.SetupRequired())
			assert.Equal(t, bridgediscovery.StateReconnecting, s.State())
		})
	}
}

func TestReachableRetriesAfterSetupRequired(t *testing.T) {
	var (
		mu   sync.Mutex
		down = true
	)
	b := newFakeBridge()
	b.handshake = func(_ string, n int) error {
		mu.Lock()
		defer mu.Unlock()
		if n > 1 && down {
			return errGone
		}
		return nil
	}
	mon := newFakeMonitor()
	s := newTestSupervisor(b, nil, nil)
	s.HealthInterval = time.Hour
	s.Reachability = mon
	startSupervisor(t, s)
	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"))

	require.True(t, s.Reconnect())
	require.Eventually(t, s.SetupRequired, waitFor, tick)

	mu.Lock()
	down = false
	mu.Unlock()
	mon.send(t, true)
	require.Eventually(t, func() bool { return s.State() == bridgediscovery.StateConnected }, waitFor, tick)
	assert.False(t, s.SetupRequired())
}

func TestClose(t *testing.T) {
	s := newTestSupervisor(newFakeBridge(), nil, nil)
	s.Reachability = newFakeMonitor()
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, bridgediscovery.StateDisconnected, s.State())
	assert.False(t, s.Reconnect())
	assert.ErrorIs(t, s.Select(context.Background(), bridgeAt("192.168.1.23"), "k"), ErrClosed)
}
