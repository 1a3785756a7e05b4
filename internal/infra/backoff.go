package infra

import (
	"math/rand/v2"
	"time"
)

// Backoff computes redial delays for feed subscribers: Base doubled per
// failed attempt, capped at Max, with up to Jitter of the delay shaved off
// at random so a fleet of indexers does not reconnect in lockstep after
// the daemon restarts.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0..1

	rand func() float64
}

// DefaultBackoff is what NewBaseWSWorker uses.
var DefaultBackoff = Backoff{Base: time.Second, Max: 60 * time.Second, Jitter: 0.2}

// Delay returns the wait before redial attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.ceiling(attempt)
	if b.Jitter <= 0 {
		return d
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	return d - time.Duration(float64(d)*min(b.Jitter, 1)*r())
}

func (b Backoff) ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Past 2^30 the shift is beyond any sane Max.
	if attempt > 30 {
		return b.Max
	}
	d := b.Base << attempt
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}
