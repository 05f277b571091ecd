// Package ratelimit provides a token bucket limiter for homeserver API calls.
// Besides steady-rate limiting it supports server-imposed cooldowns, so a
// 429 with retry_after_ms on one call delays every call sharing the limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter is a token bucket with an optional cooldown window.
// It is safe for concurrent use. A nil *Limiter never blocks.
type Limiter struct {
	mu            sync.Mutex
	rate          float64 // tokens per second
	burst         int
	tokens        float64
	lastRefill    time.Time
	disabled      bool
	cooldownUntil time.Time
}

// NewLimiter creates a limiter allowing rate requests per second with the
// given burst. A rate <= 0 disables token accounting; cooldowns set through
// Pause are still honored.
func NewLimiter(rate float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
	if rate <= 0 {
		l.disabled = true
		return l
	}
	l.rate = rate
	return l
}

// Wait blocks until a request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		delay := l.reserve(time.Now())
		if delay <= 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow reports whether a request may proceed right now, consuming a token if so.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.reserve(time.Now()) <= 0
}

// reserve takes a token when one is available and returns zero; otherwise
// it returns how long the caller should sleep before trying again.
func (l *Limiter) reserve(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.cooldownUntil) {
		return l.cooldownUntil.Sub(now)
	}
	if l.disabled {
		return 0
	}

	l.refillLocked(now)
	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	missing := 1 - l.tokens
	wait := time.Duration(missing / l.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if limit := float64(l.burst); l.tokens > limit {
			l.tokens = limit
		}
	}
	l.lastRefill = now
}

// Pause blocks all callers for at least d. Overlapping pauses keep the later deadline.
func (l *Limiter) Pause(d time.Duration) {
	if l == nil || d <= 0 {
		return
	}
	until := time.Now().Add(d)

	l.mu.Lock()
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
	l.mu.Unlock()
}

// SetRate changes the refill rate. A rate <= 0 disables token accounting.
func (l *Limiter) SetRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rate <= 0 {
		l.disabled = true
		return
	}
	l.refillLocked(time.Now())
	l.disabled = false
	l.rate = rate
}

// SetBurst changes the bucket size, clamping to at least 1.
func (l *Limiter) SetBurst(burst int) {
	if burst < 1 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.burst = burst
	if l.tokens > float64(burst) {
		l.tokens = float64(burst)
	}
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	Rate              float64
	Burst             int
	AvailableTokens   float64
	Disabled          bool
	CooldownRemaining time.Duration
}

// GetStats returns the limiter's current state without consuming tokens.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	tokens := l.tokens
	if !l.disabled {
		tokens += now.Sub(l.lastRefill).Seconds() * l.rate
		if tokens > float64(l.burst) {
			tokens = float64(l.burst)
		}
	}
	var cooldown time.Duration
	if now.Before(l.cooldownUntil) {
		cooldown = l.cooldownUntil.Sub(now)
	}

	return Stats{
		Rate:              l.rate,
		Burst:             l.burst,
		AvailableTokens:   tokens,
		Disabled:          l.disabled,
		CooldownRemaining: cooldown,
	}
}

func (l *Limiter) String() string {
	if l.disabled {
		return "rate limiting disabled"
	}
	return fmt.Sprintf("%.2f req/s, burst=%d", l.rate, l.burst)
}
