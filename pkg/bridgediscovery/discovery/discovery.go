// Package discovery runs every discovery strategy concurrently and turns their
// combined output into a validated, deduplicated device list.
package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marcuoli/go-bridgediscovery/internal/metrics"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery/status"
)

const (
	// DefaultTimeout bounds one Discover call once permission is granted.
	DefaultTimeout = 15 * time.Second
	// DefaultSettle is how long a single found device waits for a second one
	// before the call returns.
	DefaultSettle = 250 * time.Millisecond
)

// Gate is satisfied by *permission.Gate.
type Gate interface {
	CheckOrRequest(ctx context.Context) (bool, error)
}

// Announcer is satisfied by *announce.Client.
type Announcer interface {
	Browse(ctx context.Context, shouldStop func() bool, onFound func(bridgediscovery.ConfirmedDevice)) (*bridgediscovery.ConfirmedDevice, error)
}

// SubnetScanner is satisfied by *subnet.Scanner.
type SubnetScanner interface {
	Scan(ctx context.Context, shouldStop func() bool, onFound func(bridgediscovery.ConfirmedDevice)) ([]bridgediscovery.ConfirmedDevice, error)
}

// CloudLookup is satisfied by *cloud.Client.
type CloudLookup interface {
	LookupByIdentifier(ctx context.Context, id string) ([]bridgediscovery.Candidate, error)
	LookupAll(ctx context.Context) ([]bridgediscovery.Candidate, error)
}

// Prober is satisfied by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, host string) *bridgediscovery.ConfirmedDevice
}

// Validator is satisfied by *validate.Validator.
type Validator interface {
	Validate(ctx context.Context, dev bridgediscovery.ConfirmedDevice) bool
}

// Options select what one Discover call looks for.
type Options struct {
	// SpecificIdentifier, when set, enables the cloud registry and ends the
	// search as soon as that bridge is confirmed.
	SpecificIdentifier string
}

// Orchestrator runs discovery. The zero value is not usable; fill in the
// collaborators. Strategies left nil are skipped.
type Orchestrator struct {
	Gate      Gate
	Announce  Announcer
	Subnet    SubnetScanner
	Cloud     CloudLookup
	Prober    Prober
	Validator Validator
	Sink      status.Sink

	Timeout time.Duration
	// Settle overrides DefaultSettle. Negative returns on the first device.
	Settle time.Duration
	// CloudAlways also queries the registry without a specific identifier,
	// after CloudDelay, if nothing was found locally by then.
	CloudAlways bool
	CloudDelay  time.Duration

	mu         sync.Mutex
	generation uint64
	cancelPrev context.CancelFunc
}

// Discover finds bridges. A new call cancels any call still in flight.
//
// Errors are *bridgediscovery.Error values: KindPermissionDenied when local
// network access was refused, KindNetworkUnavailable when there is no usable
// network, KindNotFound when nothing was confirmed. Several results are not an
// error; the caller chooses.
func (o *Orchestrator) Discover(ctx context.Context, opts Options) ([]bridgediscovery.ConfirmedDevice, error) {
	ctx, release := o.begin(ctx)
	defer release()

	start := time.Now()
	sessionID := uuid.NewString()
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentDiscovery).With().Str("session", sessionID).Logger()

	if o.Gate != nil {
		granted, err := o.Gate.CheckOrRequest(ctx)
		if err != nil {
			o.finish(sessionID, start, nil, err, metrics.OutcomeNoNetwork)
			return nil, err
		}
		if !granted {
			err := bridgediscovery.NewError(bridgediscovery.KindPermissionDenied, "discover", "", nil)
			o.finish(sessionID, start, nil, err, metrics.OutcomeDenied)
			return nil, err
		}
	}

	type strategy struct {
		name string
		run  func(context.Context, *Session) error
	}
	var strategies []strategy
	if o.Announce != nil {
		strategies = append(strategies, strategy{"announce", o.runAnnounce})
	}
	if o.Subnet != nil {
		strategies = append(strategies, strategy{"subnet", o.runSubnet})
	}
	if o.Cloud != nil && (opts.SpecificIdentifier != "" || o.CloudAlways) {
		strategies = append(strategies, strategy{"cloud", func(ctx context.Context, s *Session) error {
			return o.runCloud(ctx, s, opts.SpecificIdentifier)
		}})
	}

	settle := o.Settle
	if settle == 0 {
		settle = DefaultSettle
	}
	session := newSession(sessionID, opts.SpecificIdentifier, len(strategies), settle)
	o.publish(status.Update{DiscoveryState: bridgediscovery.DiscoveryRunning, SessionID: sessionID})
	log.Info().Int("strategies", len(strategies)).Str("id", opts.SpecificIdentifier).Msg("discovery started")

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var g errgroup.Group
	for _, st := range strategies {
		g.Go(func() error {
			err := st.run(runCtx, session)
			if err != nil {
				log.Debug().Str("strategy", st.name).Err(err).Msg("strategy failed")
			}
			session.StrategyDone(err)
			return nil
		})
	}
	if len(strategies) == 0 {
		session.Cancel()
	}

	shortCircuit := false
	select {
	case <-session.Done():
		shortCircuit = runCtx.Err() == nil && session.Len() > 0
	case <-runCtx.Done():
	}
	session.Cancel()
	cancel()
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		o.finish(sessionID, start, nil, err, metrics.OutcomeCancelled)
		return nil, err
	}

	devices := session.Devices()
	if len(devices) == 0 {
		kind, outcome := bridgediscovery.KindNotFound, metrics.OutcomeNotFound
		if session.noNetwork() {
			kind, outcome = bridgediscovery.KindNetworkUnavailable, metrics.OutcomeNoNetwork
		}
		err := bridgediscovery.NewError(kind, "discover", "", nil)
		o.finish(sessionID, start, nil, err, outcome)
		log.Info().Dur("took", time.Since(start)).Msg("no bridge found")
		return nil, err
	}

	outcome := metrics.OutcomeFound
	if shortCircuit {
		outcome = metrics.OutcomeShortCircuit
	}
	o.finish(sessionID, start, devices, nil, outcome)
	log.Info().Int("found", len(devices)).Bool("shortCircuit", shortCircuit).Dur("took", time.Since(start)).Msg("discovery finished")
	return devices, nil
}

// begin cancels the previous call and registers this one.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if o.cancelPrev != nil {
		o.cancelPrev()
	}
	o.generation++
	gen := o.generation
	o.cancelPrev = cancel
	o.mu.Unlock()

	return ctx, func() {
		o.mu.Lock()
		if o.generation == gen {
			o.cancelPrev = nil
		}
		o.mu.Unlock()
		cancel()
	}
}

// Cancel stops the call in flight, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelPrev != nil {
		o.cancelPrev()
		o.cancelPrev = nil
	}
}

func (o *Orchestrator) runAnnounce(ctx context.Context, s *Session) error {
	_, err := o.Announce.Browse(ctx, s.ShouldStop, func(dev bridgediscovery.ConfirmedDevice) {
		o.accept(ctx, s, dev)
	})
	return err
}

func (o *Orchestrator) runSubnet(ctx context.Context, s *Session) error {
	_, err := o.Subnet.Scan(ctx, s.ShouldStop, func(dev bridgediscovery.ConfirmedDevice) {
		o.accept(ctx, s, dev)
	})
	return err
}

func (o *Orchestrator) runCloud(ctx context.Context, s *Session, id string) error {
	var (
		cands []bridgediscovery.Candidate
		err   error
	)
	if id != "" {
		cands, err = o.Cloud.LookupByIdentifier(ctx, id)
	} else {
		if o.CloudDelay > 0 {
			select {
			case <-time.After(o.CloudDelay):
			case <-ctx.Done():
				return nil
			}
		}
		if s.Len() > 0 || s.ShouldStop() {
			return nil
		}
		cands, err = o.Cloud.LookupAll(ctx)
	}
	if err != nil {
		return err
	}
	if o.Prober == nil {
		return errors.New("cloud strategy without prober")
	}

	for _, c := range cands {
		if s.ShouldStop() {
			return nil
		}
		dev := o.Prober.Probe(ctx, bridgediscovery.JoinHostPort(c.Address, c.Port))
		if dev == nil {
			continue
		}
		dev.Method = bridgediscovery.MethodCloud
		o.accept(ctx, s, *dev)
	}
	return nil
}

// accept validates dev and adds it to the session.
func (o *Orchestrator) accept(ctx context.Context, s *Session, dev bridgediscovery.ConfirmedDevice) {
	if s.ShouldStop() {
		return
	}
	if o.Validator != nil && !o.Validator.Validate(ctx, dev) {
		return
	}
	if !s.Add(dev) {
		return
	}
	bridgediscovery.Logger(ctx, bridgediscovery.MethodComponent(dev.Method)).Debug().
		Str("session", s.ID).Str("id", dev.NormalizedID).Str("addr", dev.HostPort()).Msg("bridge confirmed")
	metrics.DevicesFoundTotal.WithLabelValues(string(dev.Method)).Inc()
	o.publish(status.Update{DiscoveryState: bridgediscovery.DiscoveryRunning, SessionID: s.ID, Candidates: s.Devices()})
}

func (o *Orchestrator) finish(sessionID string, start time.Time, devices []bridgediscovery.ConfirmedDevice, err error, outcome string) {
	metrics.DiscoveryRunsTotal.WithLabelValues(outcome).Inc()
	metrics.DiscoveryDuration.Observe(time.Since(start).Seconds())

	state := bridgediscovery.DiscoveryCompleted
	switch {
	case outcome == metrics.OutcomeCancelled || outcome == metrics.OutcomeDenied:
		state = bridgediscovery.DiscoveryIdle
	case err != nil:
		state = bridgediscovery.DiscoveryFailed
	}
	o.publish(status.Update{DiscoveryState: state, SessionID: sessionID, Candidates: devices, Err: err})
}

func (o *Orchestrator) publish(u status.Update) {
	if o.Sink == nil {
		return
	}
	u.At = time.Now()
	o.Sink.Publish(u)
}
