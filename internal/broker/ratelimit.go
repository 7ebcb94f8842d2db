// ratelimit.go implements token-bucket pacing for the BKS trade API.
//
// The broker does not publish hard limits, but a retail bearer-token API
// will throttle or ban bursty clients. Each request category gets a smooth
// continuously-refilling bucket, sized so that steady-state reconciliation
// (one pass every few seconds plus the 10 s forced poll) never waits, while
// a reconnect storm or a runaway loop gets absorbed instead of hammering
// the broker.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by request category. Every REST call
// waits on its category bucket before hitting the wire.
type RateLimiter struct {
	Order  *TokenBucket // POST /orders, POST /orders/{id}, POST /orders/{id}/cancel
	Status *TokenBucket // GET /orders/{id}, POST /orders/search
	Data   *TokenBucket // GET /portfolio, GET /candles-chart
}

// NewRateLimiter creates buckets tuned for single-instrument reconciliation:
// order mutations are rare (a pass every ≥5 s), status polls dominate
// (every live order each 10 s), data reads are periodic.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(10, 2),
		Status: NewTokenBucket(20, 5),
		Data:   NewTokenBucket(10, 2),
	}
}
