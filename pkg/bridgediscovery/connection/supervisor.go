// Package connection keeps a live connection to one bridge. The Supervisor
// owns the connection state machine: it health-checks the bridge while
// connected, reconnects with backoff when the bridge goes away, falls back to
// rediscovery when the bridge has moved, and reacts to reachability changes.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marcuoli/go-bridgediscovery/internal/metrics"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/credentials"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/discovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/reachability"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/status"
)

const (
	DefaultHealthInterval   = 10 * time.Second
	DefaultFailureThreshold = 3
	DefaultAddressRetries   = 2
)

var (
	ErrNotStarted = errors.New("connection: supervisor not started")
	ErrClosed     = errors.New("connection: supervisor closed")
	ErrBusy       = errors.New("connection: handshake already in progress")
	ErrSuperseded = errors.New("connection: superseded by a newer selection")
)

// Bridge is satisfied by *Client.
type Bridge interface {
	Handshake(ctx context.Context, dev bridgediscovery.ConfirmedDevice, key string) error
	Health(ctx context.Context, dev bridgediscovery.ConfirmedDevice) HealthResult
}

// Discoverer is satisfied by *discovery.Orchestrator.
type Discoverer interface {
	Discover(ctx context.Context, opts discovery.Options) ([]bridgediscovery.ConfirmedDevice, error)
}

// Handle is the confirmed connection handed to the application's REST client.
type Handle struct {
	Device    bridgediscovery.ConfirmedDevice
	SecretKey string
}

// Supervisor drives the connection state machine. Configure the exported
// fields before Start; they are not read under the lock.
type Supervisor struct {
	Bridge       Bridge
	Discovery    Discoverer
	Store        credentials.Store
	Reachability reachability.Monitor
	Sink         status.Sink

	Retry            RetryPolicy
	HealthInterval   time.Duration
	FailureThreshold int
	AddressRetries   int
	// SkipResume makes Start load the stored bridge without reconnecting to
	// it, for callers about to Select another one.
	SkipResume bool

	mu            sync.Mutex
	state         bridgediscovery.ConnectionState
	device        *bridgediscovery.ConfirmedDevice
	key           string
	failures      int
	attempt       int
	inFlight      bool
	networkDown   bool
	setupRequired bool

	// epoch changes on every Select and on Close; work started under an
	// older epoch must not touch the state.
	epoch uint64
	seq   uint64

	ctx        context.Context
	cancel     context.CancelFunc
	stopHealth context.CancelFunc
	stopSeq    context.CancelFunc
	wake       chan struct{}
	wg         sync.WaitGroup
	closed     bool
}

// New returns a supervisor with default timings.
func New(bridge Bridge, disc Discoverer, store credentials.Store) *Supervisor {
	return &Supervisor{
		Bridge:           bridge,
		Discovery:        disc,
		Store:            store,
		Retry:            DefaultRetryPolicy,
		HealthInterval:   DefaultHealthInterval,
		FailureThreshold: DefaultFailureThreshold,
		AddressRetries:   DefaultAddressRetries,
		state:            bridgediscovery.StateDisconnected,
	}
}

// Start subscribes to reachability changes and, when the credential store
// holds a paired bridge, starts reconnecting to it. Start may be called once.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("connection: supervisor already started")
	}
	if s.state == "" {
		s.state = bridgediscovery.StateDisconnected
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wake = make(chan struct{}, 1)
	metrics.SetConnectionState(string(s.state), stateNames())
	s.mu.Unlock()

	if s.Reachability != nil {
		events := s.Reachability.Subscribe(s.ctx)
		down := !s.Reachability.Reachable()
		s.mu.Lock()
		s.networkDown = down
		s.wg.Add(1)
		s.mu.Unlock()
		go s.watchReachability(events)
	}

	if s.Store == nil {
		return nil
	}
	rec, err := s.Store.Get()
	if err != nil {
		return err
	}
	if rec == nil {
		s.log().Debug().Msg("no stored bridge")
		return nil
	}

	dev := bridgediscovery.ConfirmedDevice{NormalizedID: bridgediscovery.NormalizeID(rec.DeviceID)}
	if rec.LastKnownAddress != "" {
		dev.Address, dev.Port = bridgediscovery.SplitAddress(rec.LastKnownAddress)
	}
	s.mu.Lock()
	s.device = &dev
	s.key = rec.SecretKey
	s.mu.Unlock()

	if s.SkipResume {
		s.log().Debug().Str("id", dev.NormalizedID).Msg("stored bridge loaded, not resumed")
		return nil
	}
	s.log().Info().Str("id", dev.NormalizedID).Str("addr", rec.LastKnownAddress).Msg("resuming stored bridge")
	s.trigger("stored credentials")
	return nil
}

// Select connects to dev, abandoning whatever the supervisor was doing. An
// empty key reuses the stored key when dev is the known bridge.
func (s *Supervisor) Select(ctx context.Context, dev bridgediscovery.ConfirmedDevice, key string) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.ctx == nil:
		s.mu.Unlock()
		return ErrNotStarted
	case s.state == bridgediscovery.StateConnecting:
		s.mu.Unlock()
		return ErrBusy
	}
	if key == "" && s.device != nil && s.device.NormalizedID == dev.NormalizedID {
		key = s.key
	}

	s.epoch++
	epoch := s.epoch
	s.inFlight = false
	s.stopHealthLocked()
	s.stopSequenceLocked()
	switch s.state {
	case bridgediscovery.StateDisconnected, bridgediscovery.StateFailed, bridgediscovery.StateNeedsAuthentication:
	default:
		_ = s.transitionLocked(bridgediscovery.StateDisconnected, nil)
	}
	if err := s.transitionLocked(bridgediscovery.StateConnecting, nil); err != nil {
		s.mu.Unlock()
		return err
	}
	s.device = &dev
	s.key = key
	s.setupRequired = false
	s.mu.Unlock()

	err := s.Bridge.Handshake(ctx, dev, key)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrSuperseded
	}
	switch {
	case err == nil:
		s.connectedLocked(dev, key)
		s.mu.Unlock()
		s.persist(dev, key)
		return nil
	case bridgediscovery.KindOf(err) == bridgediscovery.KindAuthenticationRequired:
		_ = s.transitionLocked(bridgediscovery.StateNeedsAuthentication, err)
	default:
		_ = s.transitionLocked(bridgediscovery.StateDisconnected, err)
	}
	s.mu.Unlock()
	return err
}

// Reconnect starts a reconnection sequence against the known bridge. It
// returns false when one is already running or there is nothing to
// reconnect to.
func (s *Supervisor) Reconnect() bool {
	return s.trigger("requested")
}

// State returns the current state.
func (s *Supervisor) State() bridgediscovery.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetupRequired reports whether reconnection gave up and the user has to
// pick a bridge again.
func (s *Supervisor) SetupRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupRequired
}

// Attempt returns the backoff attempt in progress, 0 outside a reconnection.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Active returns the live connection, if any.
func (s *Supervisor) Active() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != bridgediscovery.StateConnected || s.device == nil {
		return Handle{}, false
	}
	return Handle{Device: *s.device, SecretKey: s.key}, true
}

// Close stops health checks, the reachability subscription and any running
// reconnection, and waits for them to exit.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.epoch++
	s.inFlight = false
	s.stopHealthLocked()
	s.stopSequenceLocked()
	if s.cancel != nil {
		s.cancel()
	}
	if s.state != bridgediscovery.StateDisconnected && s.state != "" {
		_ = s.transitionLocked(bridgediscovery.StateDisconnected, nil)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// trigger starts a reconnection sequence unless one is running. Only
// connected and disconnected (with a known bridge) can start one.
func (s *Supervisor) trigger(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx == nil || s.inFlight || s.device == nil {
		return false
	}
	switch s.state {
	case bridgediscovery.StateConnected, bridgediscovery.StateDisconnected:
	default:
		return false
	}
	if err := s.transitionLocked(bridgediscovery.StateReconnecting, nil); err != nil {
		return false
	}
	s.stopHealthLocked()
	s.inFlight = true
	s.failures = 0
	s.attempt = 0
	s.setupRequired = false
	dev, key, epoch := *s.device, s.key, s.epoch

	// a stale wake-up must not shorten the first backoff wait
	select {
	case <-s.wake:
	default:
	}

	s.log().Info().Str("reason", reason).Str("id", dev.NormalizedID).Str("addr", dev.HostPort()).Msg("reconnecting")
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopSeq = cancel
	s.seq++
	s.wg.Add(1)
	go s.reconnect(ctx, epoch, s.seq, dev, key)
	return true
}

type outcome int

const (
	attemptFailed outcome = iota
	attemptDone
	attemptSuspended
)

func (s *Supervisor) reconnect(ctx context.Context, epoch, seq uint64, dev bridgediscovery.ConfirmedDevice, key string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.seq == seq && s.inFlight {
			s.inFlight = false
			s.stopSequenceLocked()
		}
		s.mu.Unlock()
	}()

	retries := s.AddressRetries
	if retries <= 0 {
		retries = DefaultAddressRetries
	}
	addrFails := 0
	if dev.Address == "" {
		// nothing to retry directly; look the bridge up by id right away
		addrFails = retries
		if !s.waitNetwork(ctx, epoch) || s.rediscover(ctx, epoch, dev.NormalizedID, key) == attemptDone {
			return
		}
	} else {
		if !s.waitNetwork(ctx, epoch) {
			return
		}
		if s.tryAddress(ctx, epoch, dev, key, metrics.StageDirect) == attemptDone {
			return
		}
		addrFails++
	}

	policy := s.Retry
	for n := 1; n <= policy.MaxAttempts; n++ {
		if !s.sleep(ctx, policy.Delay(n)) || !s.waitNetwork(ctx, epoch) {
			return
		}
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		s.attempt = n
		s.mu.Unlock()

		var res outcome
		if addrFails < retries {
			res = s.tryAddress(ctx, epoch, dev, key, metrics.StageBackoff)
			if res == attemptFailed {
				addrFails++
			}
		} else {
			res = s.rediscover(ctx, epoch, dev.NormalizedID, key)
		}
		switch res {
		case attemptDone:
			return
		case attemptSuspended:
			n--
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	s.setupRequired = true
	err := bridgediscovery.NewError(bridgediscovery.KindUnreachable, "reconnect", dev.HostPort(), errors.New("retries exhausted"))
	s.log().Warn().Str("id", dev.NormalizedID).Int("attempts", policy.MaxAttempts).Msg("reconnection exhausted, setup required")
	_ = s.transitionLocked(bridgediscovery.StateDisconnected, err)
}

func (s *Supervisor) tryAddress(ctx context.Context, epoch uint64, dev bridgediscovery.ConfirmedDevice, key, stage string) outcome {
	err := s.Bridge.Handshake(ctx, dev, key)
	if ctx.Err() != nil {
		return attemptDone
	}
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return attemptDone
	}
	if err == nil {
		metrics.ReconnectAttemptsTotal.WithLabelValues(stage, "ok").Inc()
		s.connectedLocked(dev, key)
		s.mu.Unlock()
		s.persist(dev, key)
		return attemptDone
	}
	defer s.mu.Unlock()
	metrics.ReconnectAttemptsTotal.WithLabelValues(stage, "failed").Inc()
	s.log().Debug().Str("stage", stage).Str("addr", dev.HostPort()).Err(err).Msg("reconnect attempt failed")
	if bridgediscovery.KindOf(err) == bridgediscovery.KindAuthenticationRequired {
		_ = s.transitionLocked(bridgediscovery.StateNeedsAuthentication, err)
		return attemptDone
	}
	return attemptFailed
}

func (s *Supervisor) rediscover(ctx context.Context, epoch uint64, id, key string) outcome {
	const stage = metrics.StageRediscover
	if s.Discovery == nil || id == "" {
		metrics.ReconnectAttemptsTotal.WithLabelValues(stage, "failed").Inc()
		return attemptFailed
	}
	if !s.moveTo(epoch, bridgediscovery.StateSearching, nil) {
		return attemptDone
	}

	devs, err := s.Discovery.Discover(ctx, discovery.Options{SpecificIdentifier: id})
	if ctx.Err() != nil {
		return attemptDone
	}
	if err != nil {
		metrics.ReconnectAttemptsTotal.WithLabelValues(stage, "failed").Inc()
		switch bridgediscovery.KindOf(err) {
		case bridgediscovery.KindPermissionDenied:
			s.log().Warn().Err(err).Msg("rediscovery not permitted")
			s.moveTo(epoch, bridgediscovery.StateFailed, err)
			return attemptDone
		case bridgediscovery.KindNetworkUnavailable:
			// Only a monitor that already sees the network down will wake us.
			if s.Reachability != nil && !s.Reachability.Reachable() {
				s.mu.Lock()
				s.networkDown = true
				s.mu.Unlock()
				if !s.moveTo(epoch, bridgediscovery.StateReconnecting, err) {
					return attemptDone
				}
				return attemptSuspended
			}
		}
		s.log().Debug().Err(err).Str("id", id).Msg("rediscovery found nothing")
		if !s.moveTo(epoch, bridgediscovery.StateReconnecting, err) {
			return attemptDone
		}
		return attemptFailed
	}

	var found *bridgediscovery.ConfirmedDevice
	for i := range devs {
		if devs[i].NormalizedID == id {
			found = &devs[i]
			break
		}
	}
	if found == nil {
		metrics.ReconnectAttemptsTotal.WithLabelValues(stage, "failed").Inc()
		if !s.moveTo(epoch, bridgediscovery.StateReconnecting, nil) {
			return attemptDone
		}
		return attemptFailed
	}

	s.log().Info().Str("id", id).Str("addr", found.HostPort()).Msg("bridge rediscovered")
	res := s.tryAddress(ctx, epoch, *found, key, stage)
	if res == attemptFailed && !s.moveTo(epoch, bridgediscovery.StateReconnecting, nil) {
		return attemptDone
	}
	return res
}

// moveTo applies a transition on behalf of the sequence started at epoch.
func (s *Supervisor) moveTo(epoch uint64, to bridgediscovery.ConnectionState, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	if s.state == to {
		return true
	}
	return s.transitionLocked(to, cause) == nil
}

// sleep waits d, returning early when the network comes back.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-s.wake:
	}
	return true
}

// waitNetwork blocks while the network is known to be down.
func (s *Supervisor) waitNetwork(ctx context.Context, epoch uint64) bool {
	announced := false
	for {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return false
		}
		down := s.networkDown
		if down && !announced {
			announced = true
			s.publishLocked(bridgediscovery.NewError(bridgediscovery.KindNetworkUnavailable, "reconnect", "", nil))
		}
		s.mu.Unlock()
		if !down {
			return true
		}
		s.log().Debug().Msg("network down, reconnection suspended")
		select {
		case <-ctx.Done():
			return false
		case <-s.wake:
		}
	}
}

func (s *Supervisor) watchReachability(events <-chan reachability.Event) {
	defer s.wg.Done()
	for ev := range events {
		s.mu.Lock()
		s.networkDown = !ev.Reachable
		st, known := s.state, s.device != nil
		s.mu.Unlock()

		if !ev.Reachable {
			if st == bridgediscovery.StateConnected {
				s.trigger("network unreachable")
			}
			continue
		}
		select {
		case s.wake <- struct{}{}:
		default:
		}
		if st == bridgediscovery.StateDisconnected && known {
			s.trigger("network reachable")
		}
	}
}

func (s *Supervisor) health(ctx context.Context, dev bridgediscovery.ConfirmedDevice) {
	defer s.wg.Done()
	interval := s.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	threshold := s.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		res := s.Bridge.Health(ctx, dev)

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		metrics.HealthChecksTotal.WithLabelValues(res.String()).Inc()
		if res != HealthClear {
			s.failures = 0
			s.mu.Unlock()
			continue
		}
		s.failures++
		n := s.failures
		s.mu.Unlock()

		s.log().Debug().Str("addr", dev.HostPort()).Int("failures", n).Msg("health probe failed")
		if n >= threshold && s.trigger("health probe failed") {
			return
		}
	}
}

func (s *Supervisor) connectedLocked(dev bridgediscovery.ConfirmedDevice, key string) {
	if err := checkTransition(s.state, bridgediscovery.StateConnected); err != nil {
		s.log().Error().Err(err).Msg("cannot enter connected")
		return
	}
	s.device = &dev
	s.key = key
	s.failures = 0
	s.attempt = 0
	s.setupRequired = false
	s.inFlight = false
	s.stopSequenceLocked()
	_ = s.transitionLocked(bridgediscovery.StateConnected, nil)
	s.log().Info().Str("id", dev.NormalizedID).Str("addr", dev.HostPort()).Msg("connected")

	if s.closed {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopHealth = cancel
	s.wg.Add(1)
	go s.health(ctx, dev)
}

func (s *Supervisor) stopHealthLocked() {
	if s.stopHealth != nil {
		s.stopHealth()
		s.stopHealth = nil
	}
}

func (s *Supervisor) stopSequenceLocked() {
	if s.stopSeq != nil {
		s.stopSeq()
		s.stopSeq = nil
	}
}

func (s *Supervisor) persist(dev bridgediscovery.ConfirmedDevice, key string) {
	if s.Store == nil {
		return
	}
	rec := credentials.Record{DeviceID: dev.NormalizedID, LastKnownAddress: dev.HostPort(), SecretKey: key}
	if err := s.Store.Set(rec); err != nil {
		s.log().Warn().Err(err).Msg("saving credentials failed")
	}
}

// transitionLocked is the only writer of s.state.
func (s *Supervisor) transitionLocked(to bridgediscovery.ConnectionState, cause error) error {
	from := s.state
	if from == "" {
		from = bridgediscovery.StateDisconnected
	}
	if err := checkTransition(from, to); err != nil {
		return err
	}
	s.state = to
	metrics.SetConnectionState(string(to), stateNames())
	ev := s.log().Debug()
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Str("from", string(from)).Str("to", string(to)).Msg("connection state")
	s.publishLocked(cause)
	return nil
}

func (s *Supervisor) publishLocked(cause error) {
	if s.Sink == nil {
		return
	}
	u := status.Update{
		ConnectionState: s.state,
		SetupRequired:   s.setupRequired,
		Err:             cause,
		At:              time.Now(),
	}
	if s.state == bridgediscovery.StateConnected && s.device != nil {
		u.Candidates = []bridgediscovery.ConfirmedDevice{*s.device}
	}
	s.Sink.Publish(u)
}

func (s *Supervisor) log() *zerolog.Logger {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return bridgediscovery.Logger(ctx, bridgediscovery.ComponentConnection)
}

func stateNames() []string {
	out := make([]string, len(bridgediscovery.ConnectionStates))
	for i, st := range bridgediscovery.ConnectionStates {
		out[i] = string(st)
	}
	return out
}
