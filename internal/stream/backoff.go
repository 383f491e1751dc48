package stream

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces reconnect delays: exponential doubling from Min to
// Max with ±20% jitter.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	mu      sync.Mutex
	attempt int
}

// NewBackoff returns a backoff with the standard defaults (200ms..30s).
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 200 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{Min: min, Max: max}
}

// Next returns the delay before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Min << uint(b.attempt)
	if d > b.Max || d <= 0 {
		d = b.Max
	} else {
		b.attempt++
	}

	// ±20% jitter so a fleet of clients does not reconnect in lockstep.
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

// Reset restarts the schedule after a healthy session.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
