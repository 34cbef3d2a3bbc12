package connectivity

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// Backoff computes exponential reconnect delays with a ceiling and
// jitter. Sustained success resets it to the minimum delay.
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	jitter  time.Duration
	attempt int
}

// NewBackoff creates a controller with the given base delay, ceiling,
// and maximum jitter.
func NewBackoff(base, max, jitter time.Duration) *Backoff {
	return &Backoff{base: base, max: max, jitter: jitter}
}

// Next returns the delay before the next reconnect attempt:
// base * 2^attempt capped at the ceiling, plus random jitter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	factor := int64(1)
	if b.attempt > 0 {
		if b.attempt > 30 {
			factor = 1 << 30 // cap exponent, avoid overflow
		} else {
			factor = 1 << b.attempt
		}
	}
	b.attempt++

	delay := time.Duration(factor) * b.base
	if delay > b.max {
		delay = b.max
	}

	if b.jitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(b.jitter))); err == nil {
			delay += time.Duration(n.Int64())
		}
	}
	return delay
}

// Reset returns the controller to the minimum delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns the current attempt index.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
