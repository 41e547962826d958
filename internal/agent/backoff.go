package agent

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff paces retries of claim calls that failed, whether at the transport
// level or with an error response from the server: each consecutive failure
// doubles the delay up to a ceiling, and a successful claim (200 or 204)
// resets it. The idle 204 path never consults it; that keeps polling at the
// fixed interval.
type Backoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

// NewBackoff returns a Backoff starting at min and capped at max.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max, next: min}
}

// Next returns the delay before the next claim attempt and doubles the
// stored delay, capped at the maximum.
func (b *Backoff) Next() time.Duration {
	d := jitter(b.next)
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset returns the backoff to its minimum delay.
func (b *Backoff) Reset() {
	b.next = b.min
}

// jitter spreads d by up to ±25% so a fleet of agents that lost the server
// at the same moment does not retry in lockstep.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 2
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return d
	}
	return d - time.Duration(span/2) + time.Duration(n.Int64())
}
