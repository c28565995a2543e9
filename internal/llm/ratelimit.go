package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter is a token bucket shared by every caller into the LLM layer.
// Refill is continuous: fractional tokens accumulate between calls and are
// floored at consumption time. Available tokens never exceed capacity and
// never go negative.
type Limiter struct {
	mu        sync.Mutex
	capacity  float64
	tokens    float64
	refillPer float64 // tokens per second
	last      time.Time

	now func() time.Time // test seam
}

// NewLimiter creates a full bucket with the given burst capacity and refill
// rate in requests per minute.
func NewLimiter(capacity int, perMinute float64) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Limiter{
		capacity:  float64(capacity),
		tokens:    float64(capacity),
		refillPer: perMinute / 60.0,
		last:      time.Now(),
		now:       time.Now,
	}
}

// Acquire takes one token, cooperatively waiting for refill up to maxWait.
// It returns ErrRateLimited when the wait would exceed maxWait, and the
// context error if ctx is done first. No token is consumed on failure.
func (l *Limiter) Acquire(ctx context.Context, maxWait time.Duration) error {
	deadline := l.now().Add(maxWait)

	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		// time until a whole token accumulates
		need := time.Duration((1 - l.tokens) / l.refillPer * float64(time.Second))
		l.mu.Unlock()

		wakeAt := l.now().Add(need)
		if wakeAt.After(deadline) {
			return fmt.Errorf("%w: next token in %s exceeds max wait %s", ErrRateLimited, need.Round(time.Millisecond), maxWait)
		}

		timer := time.NewTimer(need)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available reports the floored number of tokens currently in the bucket.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return int(l.tokens)
}

// refill advances the bucket to now. Caller holds l.mu.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	l.tokens += elapsed * l.refillPer
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}
