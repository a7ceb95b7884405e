package connection

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff is the reconnect policy: min(Max, 2^n * Base) plus uniform jitter
// in [0, 1s), for at most MaxAttempts retries. It implements backoff.BackOff
// and returns backoff.Stop once the attempts are spent.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter returns the random part of each delay.
	Jitter func() time.Duration

	attempt int
}

var _ backoff.BackOff = (*Backoff)(nil)

// NewBackoff returns the default reconnect policy: 1s base, 30s cap,
// 10 attempts.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
		Jitter:      defaultJitter,
	}
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(time.Second)))
}

// NextBackOff returns the delay before the next attempt.
func (b *Backoff) NextBackOff() time.Duration {
	if b.attempt >= b.MaxAttempts {
		return backoff.Stop
	}
	d := b.Max
	if b.attempt < 31 {
		if exp := b.Base << b.attempt; exp > 0 && exp < b.Max {
			d = exp
		}
	}
	b.attempt++
	if b.Jitter != nil {
		d += b.Jitter()
	}
	return d
}

// Reset starts the schedule over.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
