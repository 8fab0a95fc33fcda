package session

import (
	"sync"
	"time"
)

// retryBucket is a token bucket with continuous refill, used to throttle
// reconnect attempts for failed sessions (1 token per 2 seconds, burst 1).
// Callers never block: TryTake reports whether an attempt is allowed now.
type retryBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newRetryBucket(capacity, ratePerSecond float64) *retryBucket {
	return &retryBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// TryTake consumes a token if one is available.
func (b *retryBucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
