// Package backoff implements capped exponential retry delays with jitter.
// Each query scheduler owns one Backoff; failures grow the delay, the first
// success resets it to the base interval.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays that double on each consecutive failure,
// capped at Cap, with up to 10% uniform jitter added to desynchronize
// retries across query sets. Not safe for concurrent use; each scheduler
// loop owns its own instance.
type Backoff struct {
	// Base is the steady-state interval the delay doubles from; the
	// first failure already sleeps 2*Base (capped).
	Base time.Duration

	// Cap bounds the un-jittered delay. With jitter the delay never
	// exceeds Cap + Cap/10.
	Cap time.Duration

	failures int
	rng      *rand.Rand
}

// New returns a Backoff with the given base and cap. A cap smaller than the
// base is raised to the base.
func New(base, cap time.Duration) *Backoff {
	if cap < base {
		cap = base
	}
	return &Backoff{
		Base: base,
		Cap:  cap,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next records one failure and returns the delay to sleep before the next
// attempt: min(Base * 2^K, Cap) plus jitter in [0, 10%), where K is the
// number of consecutive failures including this one.
func (b *Backoff) Next() time.Duration {
	b.failures++
	d := b.Base
	for i := 0; i < b.failures; i++ {
		d *= 2
		if d >= b.Cap || d < 0 { // overflow guard
			d = b.Cap
			break
		}
	}
	return d + b.jitter(d)
}

// Reset clears the failure count after a success, so the next failure starts
// again from Base.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the number of consecutive failures recorded so far.
func (b *Backoff) Failures() int {
	return b.failures
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	max := int64(d) / 10
	if max <= 0 {
		return 0
	}
	return time.Duration(b.rng.Int63n(max))
}
