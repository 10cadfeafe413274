// Package ratelimit paces work with a token bucket. The workload driver uses
// it to cap the overall checkout rate across workers.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket shared by concurrent callers. Wait reserves a
// token before sleeping, so the balance may go negative and waiters are
// released in the order they arrived.
type Limiter struct {
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	balance float64
	at      time.Time
}

// New returns a full bucket of burst tokens refilled at rate per second.
// rate must be positive; burst is raised to at least 1.
func New(rate float64, burst int) *Limiter {
	l := &Limiter{
		rate:  rate,
		burst: float64(max(burst, 1)),
		now:   time.Now,
	}
	l.balance = l.burst
	l.at = l.now()
	return l
}

// advance credits the tokens earned since the last update. Caller holds mu.
func (l *Limiter) advance() time.Time {
	now := l.now()
	if now.After(l.at) {
		l.balance = min(l.burst, l.balance+now.Sub(l.at).Seconds()*l.rate)
		l.at = now
	}
	return now
}

// Allow takes a token if one is available without waiting.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advance()
	if l.balance < 1 {
		return false
	}
	l.balance--
	return true
}

// reserve takes a token, possibly on credit, and returns how long the
// caller must wait before using it.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advance()
	l.balance--
	if l.balance >= 0 {
		return 0
	}
	return time.Duration(-l.balance / l.rate * float64(time.Second))
}

// cancel gives back a reserved token that was never used.
func (l *Limiter) cancel() {
	l.mu.Lock()
	l.advance()
	l.balance = min(l.burst, l.balance+1)
	l.mu.Unlock()
}

// Wait blocks until the caller may proceed or ctx is done. A cancelled wait
// returns its token.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delay := l.reserve()
	if delay <= 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		l.cancel()
		return ctx.Err()
	}
}

// Tokens returns the current balance. It is negative while callers are
// queued in Wait.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advance()
	return l.balance
}
