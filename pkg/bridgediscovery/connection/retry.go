package connection

import "time"

// RetryPolicy governs the backoff phase of a reconnection sequence.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy waits 2s, 4s, 8s, 16s and then 30s between attempts.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   2 * time.Second,
	MaxDelay:    30 * time.Second,
	MaxAttempts: 6,
}

// Delay returns the wait before attempt n (1-based): base·2^(n-1), capped at
// MaxDelay. It never decreases as n grows and never overflows.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base, maxDelay := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		return 0
	}
	if maxDelay <= 0 || maxDelay < base {
		maxDelay = base
	}
	d := base
	for i := 1; i < n; i++ {
		if d > maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}
