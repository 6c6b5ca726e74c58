package fanout

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy is an exponential backoff whose next delay can be raised to
// honor an engine's Retry-After hint. It stops once the next attempt could
// no longer finish before the claim lease runs out.
type retryPolicy struct {
	mu       sync.Mutex
	inner    *backoff.ExponentialBackOff
	floor    time.Duration
	deadline time.Time
	budget   time.Duration
	clock    func() time.Time
}

func newRetryPolicy(base, maxDelay time.Duration) *retryPolicy {
	inner := backoff.NewExponentialBackOff()
	inner.InitialInterval = base
	inner.MaxInterval = maxDelay
	inner.Multiplier = 2
	inner.RandomizationFactor = 0.5
	return &retryPolicy{inner: inner, clock: time.Now}
}

// within bounds every retry to the lease ending at deadline; an attempt
// is only scheduled if it can start and run for budget before then.
func (p *retryPolicy) within(deadline time.Time, budget time.Duration) *retryPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = deadline
	p.budget = budget
	return p
}

// fits reports whether a delay of d still leaves room for one attempt
// inside the lease.
func (p *retryPolicy) fits(d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fitsLocked(d)
}

func (p *retryPolicy) fitsLocked(d time.Duration) bool {
	if p.deadline.IsZero() {
		return true
	}
	return !p.clock().Add(d + p.budget).After(p.deadline)
}

// atLeast raises the next delay to d, capped at the policy's max delay.
func (p *retryPolicy) atLeast(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d = min(d, p.inner.MaxInterval)
	if d > p.floor {
		p.floor = d
	}
}

// NextBackOff implements backoff.BackOff.
func (p *retryPolicy) NextBackOff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.inner.NextBackOff()
	if next != backoff.Stop && next < p.floor {
		next = p.floor
	}
	p.floor = 0
	if next != backoff.Stop && !p.fitsLocked(next) {
		return backoff.Stop
	}
	return next
}

// Reset implements backoff.BackOff.
func (p *retryPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.Reset()
	p.floor = 0
}
