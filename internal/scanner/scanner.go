// Package scanner runs a bounded, cooperatively cancellable sweep of probe
// jobs over a fixed worker pool.
package scanner

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrNoProbe is returned when Sweep is called without a probe function.
var ErrNoProbe = errors.New("scanner: nil probe")

// Options tunes a sweep.
type Options struct {
	Workers int
	// Rate limits probe starts per second across all workers. Zero disables pacing.
	Rate  float64
	Burst int
	// ShouldStop is consulted before every probe start and again when a probe
	// returns; a true answer drops the result.
	ShouldStop func() bool
}

// Probe inspects one job. ok=false means nothing was found.
type Probe[J, R any] func(ctx context.Context, job J) (res R, ok bool)

// Sweep hands every job to opts.Workers workers and calls emit for each
// positive result. emit may be called concurrently; callers aggregate under
// their own lock. Sweep returns once all started probes have returned.
func Sweep[J, R any](ctx context.Context, jobs []J, opts Options, probe Probe[J, R], emit func(R)) error {
	if probe == nil {
		return ErrNoProbe
	}
	if len(jobs) == 0 {
		return nil
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.Workers > len(jobs) {
		opts.Workers = len(jobs)
	}
	stop := opts.ShouldStop
	if stop == nil {
		stop = func() bool { return false }
	}

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = opts.Workers
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	queue := make(chan J)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for job := range queue {
			if stop() || ctx.Err() != nil {
				continue
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					continue
				}
				if stop() {
					continue
				}
			}
			res, ok := probe(ctx, job)
			if !ok || stop() || ctx.Err() != nil {
				continue
			}
			if emit != nil {
				emit(res)
			}
		}
	}

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go worker()
	}

enqueue:
	for _, job := range jobs {
		if stop() {
			break
		}
		select {
		case <-ctx.Done():
			break enqueue
		case queue <- job:
		}
	}
	close(queue)
	wg.Wait()

	return ctx.Err()
}
