package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// EndpointClass groups broker endpoints that share a request budget.
type EndpointClass string

const (
	ClassOrder      EndpointClass = "order"
	ClassData       EndpointClass = "data"
	ClassQuote      EndpointClass = "quote"
	ClassNonTrading EndpointClass = "non_trading"
)

// RateLimits is requests per second per endpoint class. Zero disables
// limiting for that class.
type RateLimits map[EndpointClass]float64

// RateLimiter paces outbound calls per endpoint class.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[EndpointClass]*rate.Limiter
	waits    map[EndpointClass]int
}

// NewRateLimiter creates a limiter. Burst equals the per-second rate,
// rounded up, so a fresh client can use a full second of budget at once.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[EndpointClass]*rate.Limiter, len(limits)),
		waits:    make(map[EndpointClass]int, len(limits)),
	}
	for class, perSec := range limits {
		if perSec <= 0 {
			continue
		}
		burst := int(perSec)
		if float64(burst) < perSec || burst == 0 {
			burst++
		}
		rl.limiters[class] = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	return rl
}

// Wait blocks until the class has budget or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, class EndpointClass) error {
	if rl == nil {
		return nil
	}
	rl.mu.RLock()
	lim, ok := rl.limiters[class]
	rl.mu.RUnlock()
	if !ok {
		return nil
	}
	if !lim.Allow() {
		rl.mu.Lock()
		rl.waits[class]++
		rl.mu.Unlock()
		return lim.Wait(ctx)
	}
	return nil
}

// Throttled returns how many calls of a class had to wait for budget.
func (rl *RateLimiter) Throttled(class EndpointClass) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.waits[class]
}
