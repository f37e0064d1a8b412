package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces outbound calls to one external system so no more than the
// configured requests-per-second are dispatched in any one-second window.
// Waiters are admitted FIFO and delayed, never rejected. Each system gets
// its own Pacer; one system being throttled never holds up the other.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewPacer builds a pacer for the given per-second rate. Rates <= 0 are
// treated as unlimited.
func NewPacer(ratePerSecond float64) *Pacer {
	var interval time.Duration
	if ratePerSecond > 0 {
		interval = time.Duration(float64(time.Second) / ratePerSecond)
	}
	return &Pacer{interval: interval}
}

// Wait blocks until the caller may dispatch. Dispatch slots are handed out
// in arrival order with a minimum spacing of 1/rate, so at most `rate`
// dispatches land in any rolling one-second window.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}

	p.mu.Lock()
	now := time.Now()
	runAt := p.next
	if runAt.Before(now) {
		runAt = now
	}
	p.next = runAt.Add(p.interval)
	p.mu.Unlock()

	delay := time.Until(runAt)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
