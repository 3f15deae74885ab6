// Package resilience guards calls to flaky external processes, so one
// broken dependency cannot eat every scheduler pass.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a tripped breaker is still cooling down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker trips after a run of consecutive failures and rejects calls for a
// cooldown period. The first call after the cooldown is a trial: its failure
// re-trips the breaker, its success closes it again.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	strikes   int
	openUntil time.Time // zero while closed
	trialing  bool

	clock func() time.Time
}

// NewBreaker creates a breaker that trips after threshold consecutive
// failures and cools down for the given duration.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown, clock: time.Now}
}

// Execute runs fn unless the breaker is cooling down, and feeds the outcome
// back into the trip state.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true
	}
	if b.clock().Before(b.openUntil) {
		return false
	}
	b.trialing = true
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.strikes = 0
		b.openUntil = time.Time{}
		b.trialing = false
		return
	}
	b.strikes++
	if b.trialing || b.strikes >= b.threshold {
		b.openUntil = b.clock().Add(b.cooldown)
		b.trialing = false
	}
}
